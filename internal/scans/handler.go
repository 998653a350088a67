package scans

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"sentinelops/internal/incidents"
	"sentinelops/internal/logging"
)

// IngestHandler turns scan results from the upload relay into incidents.
type IngestHandler struct {
	Service     *incidents.Service
	Rules       *RuleSet
	Logger      *slog.Logger
	IngestToken string
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := logging.FromContext(r.Context(), h.Logger)
	if h.IngestToken == "" {
		logger.Warn("scan intake rejected: no ingest token configured")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "IngestDisabled",
			"message": "scan intake is not configured",
		})
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), []byte(h.IngestToken)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var sub Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&sub); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if sub.UploadedBy.ID == "" || strings.TrimSpace(sub.FileInfo.FileName) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rule, ok := h.Rules.Match(sub)
	if !ok {
		logger.Debug("clean scan skipped", "file", sub.FileInfo.FileName, "uploaded_by", sub.UploadedBy.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{"skipped": true})
		return
	}

	v, err := h.Service.CreateOnBehalf(r.Context(), sub.UploadedBy.ID, newIncident(sub, rule))
	if err != nil {
		status := incidents.StatusCode(err)
		if status >= http.StatusInternalServerError {
			logger.Error("scan intake", "file", sub.FileInfo.FileName, "err", err)
		}
		writeJSON(w, status, map[string]string{
			"error":   string(incidents.KindOf(err)),
			"message": incidents.Message(err),
		})
		return
	}
	logger.Info("scan recorded", "number", v.IncidentNumber, "rule", rule.ID, "file", sub.FileInfo.FileName)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":             v.ID,
		"incidentNumber": v.IncidentNumber,
	})
}

func newIncident(sub Submission, rule RuleConfig) incidents.NewIncident {
	fi := sub.FileInfo
	sr := sub.ScanResults
	sr.DetectionRate = sub.detectionRate()
	up := sub.UploadedBy

	title := strings.TrimSpace(sub.Title)
	if title == "" {
		if sr.MaliciousCount > 0 {
			title = "Malicious file detected: " + fi.FileName
		} else {
			title = "File scanned: " + fi.FileName
		}
	}
	desc := strings.TrimSpace(sub.Description)
	if desc == "" {
		desc = fmt.Sprintf("%d of %d engines flagged %s (%.1f%% detection rate).",
			sr.MaliciousCount, sr.TotalEngines, fi.FileName, sr.DetectionRate)
	}
	tags := append([]string{}, rule.Tags...)
	if rule.ID != "" {
		tags = append(tags, "rule:"+rule.ID)
	}
	return incidents.NewIncident{
		Title:       title,
		Description: desc,
		Severity:    rule.Severity,
		Category:    rule.Category,
		Source:      incidents.SourceFileUpload,
		Tags:        tags,
		Metadata: &incidents.Metadata{
			FileInfo:        &fi,
			ScanResults:     &sr,
			UploadTimestamp: sub.UploadTimestamp,
			UploadedBy:      &up,
			Additional:      sub.AdditionalData,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
