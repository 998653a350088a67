package incidents

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
)

const unknownUser = "Unknown"

type ReportComment struct {
	Text       string    `json:"text"`
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Report is the flat export view of one incident.
type Report struct {
	ID              string          `json:"id"`
	IncidentNumber  string          `json:"incidentNumber"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Status          Status          `json:"status"`
	Severity        Severity        `json:"severity"`
	Category        Category        `json:"category"`
	ReportedByName  string          `json:"reportedByName"`
	AssignedToName  string          `json:"assignedToName,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt"`
	FileInfo        *FileInfo       `json:"fileInfo"`
	ScanResults     *ScanResults    `json:"scanResults"`
	ResolutionNotes string          `json:"resolutionNotes"`
	Comments        []ReportComment `json:"comments"`
}

func (s *Service) FormatReport(ctx context.Context, caller auth.Caller, id string) (*Report, error) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, access.ActReport, inc.ReportedBy, "not authorized to access this report"); err != nil {
		return nil, err
	}
	v, err := s.resolveOne(ctx, inc)
	if err != nil {
		return nil, err
	}
	return buildReport(v), nil
}

func buildReport(v *IncidentView) *Report {
	r := &Report{
		ID:              v.ID,
		IncidentNumber:  v.IncidentNumber,
		Title:           v.Title,
		Description:     v.Description,
		Status:          v.Status,
		Severity:        v.Severity,
		Category:        v.Category,
		ReportedByName:  displayName(v.ReportedBy),
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
		ResolvedAt:      v.ResolvedAt,
		ResolutionNotes: v.ResolutionNotes,
		Comments:        make([]ReportComment, 0, len(v.Comments)),
	}
	if v.AssignedTo != nil {
		r.AssignedToName = displayName(*v.AssignedTo)
	}
	if v.Metadata != nil {
		r.FileInfo = v.Metadata.FileInfo
		r.ScanResults = v.Metadata.ScanResults
	}
	for _, c := range v.Comments {
		r.Comments = append(r.Comments, ReportComment{
			Text:       c.Text,
			AuthorName: displayName(c.CreatedBy),
			CreatedAt:  c.CreatedAt,
		})
	}
	return r
}

func displayName(u auth.Summary) string {
	if u.Username == "" {
		return unknownUser
	}
	return u.Username
}

// WriteText renders the report as plain text for printing.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Incident\t%s\n", r.IncidentNumber)
	fmt.Fprintf(tw, "Title\t%s\n", r.Title)
	fmt.Fprintf(tw, "Status\t%s\n", r.Status)
	fmt.Fprintf(tw, "Severity\t%s\n", r.Severity)
	fmt.Fprintf(tw, "Category\t%s\n", r.Category)
	fmt.Fprintf(tw, "Reported by\t%s\n", r.ReportedByName)
	if r.AssignedToName != "" {
		fmt.Fprintf(tw, "Assigned to\t%s\n", r.AssignedToName)
	}
	fmt.Fprintf(tw, "Created\t%s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated\t%s\n", r.UpdatedAt.Format(time.RFC3339))
	if r.ResolvedAt != nil {
		fmt.Fprintf(tw, "Resolved\t%s\n", r.ResolvedAt.Format(time.RFC3339))
	}
	if r.FileInfo != nil {
		fmt.Fprintf(tw, "File\t%s (%s, %s)\n", r.FileInfo.FileName, r.FileInfo.FileType, r.FileInfo.FileSize)
		if r.FileInfo.FileHash.SHA256 != "" {
			fmt.Fprintf(tw, "SHA-256\t%s\n", r.FileInfo.FileHash.SHA256)
		}
	}
	if r.ScanResults != nil {
		fmt.Fprintf(tw, "Detections\t%d/%d (%.1f%%)\n",
			r.ScanResults.MaliciousCount, r.ScanResults.TotalEngines, r.ScanResults.DetectionRate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\n%s\n", r.Description); err != nil {
		return err
	}
	if r.ResolutionNotes != "" {
		if _, err := fmt.Fprintf(w, "\nResolution:\n%s\n", r.ResolutionNotes); err != nil {
			return err
		}
	}
	if len(r.Comments) > 0 {
		if _, err := fmt.Fprintln(w, "\nComments:"); err != nil {
			return err
		}
		for _, c := range r.Comments {
			if _, err := fmt.Fprintf(w, "- [%s] %s: %s\n", c.CreatedAt.Format(time.RFC3339), c.AuthorName, c.Text); err != nil {
				return err
			}
		}
	}
	return nil
}
