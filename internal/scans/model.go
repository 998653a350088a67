package scans

import (
	"encoding/json"
	"time"

	"sentinelops/internal/incidents"
)

// Submission is what the upload relay posts after a reputation lookup.
type Submission struct {
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	FileInfo        incidents.FileInfo    `json:"fileInfo"`
	ScanResults     incidents.ScanResults `json:"scanResults"`
	UploadedBy      incidents.Uploader    `json:"uploadedBy"`
	UploadTimestamp *time.Time            `json:"uploadTimestamp"`
	AdditionalData  json.RawMessage       `json:"additionalData"`
}

// detectionRate prefers the relay's figure and derives it when absent.
func (s Submission) detectionRate() float64 {
	if s.ScanResults.DetectionRate > 0 || s.ScanResults.TotalEngines == 0 {
		return s.ScanResults.DetectionRate
	}
	return float64(s.ScanResults.MaliciousCount) * 100 / float64(s.ScanResults.TotalEngines)
}
