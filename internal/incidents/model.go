package incidents

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
)

var Statuses = []Status{StatusOpen, StatusInProgress, StatusResolved, StatusClosed}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

type Category string

const (
	CategoryMalware            Category = "Malware"
	CategoryPhishing           Category = "Phishing"
	CategoryUnauthorizedAccess Category = "Unauthorized Access"
	CategoryDataBreach         Category = "Data Breach"
	CategoryOther              Category = "Other"
)

var Categories = []Category{
	CategoryMalware,
	CategoryPhishing,
	CategoryUnauthorizedAccess,
	CategoryDataBreach,
	CategoryOther,
}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

const (
	SourceManual     = "Manual"
	SourceFileUpload = "File Upload"
)

type Comment struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Incident struct {
	ID              string     `json:"id"`
	IncidentNumber  string     `json:"incidentNumber"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          Status     `json:"status"`
	Severity        Severity   `json:"severity"`
	Category        Category   `json:"category"`
	ReportedBy      string     `json:"reportedBy"`
	AssignedTo      string     `json:"assignedTo,omitempty"`
	Source          string     `json:"source"`
	Tags            []string   `json:"tags"`
	Metadata        *Metadata  `json:"metadata,omitempty"`
	Comments        []Comment  `json:"comments"`
	ResolutionNotes string     `json:"resolutionNotes"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ResolvedAt      *time.Time `json:"resolvedAt"`
}

// Metadata carries upload context for incidents raised from a file scan.
// Additional is kept as raw JSON so callers can extend it freely.
type Metadata struct {
	FileInfo        *FileInfo       `json:"fileInfo,omitempty"`
	ScanResults     *ScanResults    `json:"scanResults,omitempty"`
	UploadTimestamp *time.Time      `json:"uploadTimestamp,omitempty"`
	UploadedBy      *Uploader       `json:"uploadedBy,omitempty"`
	Additional      json.RawMessage `json:"additionalData,omitempty"`
}

type FileInfo struct {
	FileName string     `json:"fileName"`
	FileSize string     `json:"fileSize"`
	FileType string     `json:"fileType"`
	FileHash FileHashes `json:"fileHash"`
}

type FileHashes struct {
	SHA256 string `json:"sha256,omitempty"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
}

type ScanResults struct {
	MaliciousCount     int               `json:"maliciousCount"`
	TotalEngines       int               `json:"totalEngines"`
	DetectionRate      float64           `json:"detectionRate"`
	DetectedEngines    []EngineDetection `json:"detectedEngines"`
	CleanEngines       int               `json:"cleanEngines"`
	TimeoutEngines     int               `json:"timeoutEngines"`
	UnsupportedEngines int               `json:"unsupportedEngines"`
}

type EngineDetection struct {
	Engine  string `json:"engine"`
	Verdict string `json:"verdict"`
}

// Uploader is a snapshot of the uploading user at scan time.
type Uploader struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// NewIncident holds the caller-supplied fields for a create.
type NewIncident struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Severity    Severity  `json:"severity"`
	Category    Category  `json:"category"`
	AssignedTo  string    `json:"assignedTo"`
	Source      string    `json:"source"`
	Tags        []string  `json:"tags"`
	Metadata    *Metadata `json:"metadata"`
}

// Patch lists the fields an administrator may change. Nil fields are left as is.
type Patch struct {
	Status          *Status   `json:"status"`
	Severity        *Severity `json:"severity"`
	ResolutionNotes *string   `json:"resolutionNotes"`
}

type Timeframe string

const (
	TimeframeAll   Timeframe = ""
	TimeframeToday Timeframe = "today"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

type ListFilter struct {
	ReportedBy string
	Status     Status
	Severity   Severity
	Category   Category
	Timeframe  Timeframe
}

// Since returns the lower createdAt bound for the timeframe, or the zero
// time when the timeframe does not restrict the window.
func (t Timeframe) Since(now time.Time) time.Time {
	now = now.UTC()
	switch t {
	case TimeframeToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case TimeframeWeek:
		return now.AddDate(0, 0, -7)
	case TimeframeMonth:
		return now.AddDate(0, 0, -30)
	default:
		return time.Time{}
	}
}
