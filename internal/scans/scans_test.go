package scans

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
	"sentinelops/internal/db/dbtest"
	"sentinelops/internal/incidents"
	"sentinelops/internal/logging"
)

func submission(malicious, total int) Submission {
	return Submission{
		FileInfo:    incidents.FileInfo{FileName: "invoice.exe", FileSize: "12 KB", FileType: "exe"},
		ScanResults: incidents.ScanResults{MaliciousCount: malicious, TotalEngines: total},
		UploadedBy:  incidents.Uploader{ID: "u1", Name: "alice"},
	}
}

func TestRuleSetMatch(t *testing.T) {
	rs := DefaultRules()

	_, ok := rs.Match(submission(0, 60))
	assert.False(t, ok)

	r, ok := rs.Match(submission(1, 60))
	require.True(t, ok)
	assert.Equal(t, "suspicious", r.ID)

	r, _ = rs.Match(submission(5, 60))
	assert.Equal(t, "confirmed", r.ID)
	assert.Equal(t, incidents.SeverityHigh, r.Severity)

	r, _ = rs.Match(submission(10, 80))
	assert.Equal(t, "confirmed", r.ID, "12.5 percent is below the widespread threshold")

	r, _ = rs.Match(submission(20, 60))
	assert.Equal(t, "widespread", r.ID)

	rs.RecordClean = true
	r, ok = rs.Match(submission(0, 60))
	require.True(t, ok)
	assert.Equal(t, "default", r.ID)
	assert.Equal(t, incidents.SeverityLow, r.Severity)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	rs, err := LoadRules(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 3)

	path := filepath.Join(dir, "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
record_clean: true
rules:
  - id: any
    min_malicious: 1
    severity: High
    category: Malware
`), 0o600))
	rs, err = LoadRules(path)
	require.NoError(t, err)
	assert.True(t, rs.RecordClean)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, incidents.SeverityLow, rs.Default.Severity)
	assert.Equal(t, incidents.CategoryOther, rs.Default.Category)

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: bad
    severity: Apocalyptic
`), 0o600))
	_, err = LoadRules(path)
	assert.Error(t, err)
}

func newIngest(t *testing.T) (*IngestHandler, *incidents.Service, auth.Caller, auth.Caller) {
	t.Helper()
	conn := dbtest.Open(t)
	users := auth.NewStore(conn)
	ctx := context.Background()
	uploader, err := users.Create(ctx, "alice", "alice@example.com", "pw", auth.RoleUser)
	require.NoError(t, err)
	admin, err := users.Create(ctx, "admin", "", "pw", auth.RoleAdmin)
	require.NoError(t, err)
	authz, err := access.NewAuthorizer()
	require.NoError(t, err)
	svc := incidents.NewService(incidents.NewStore(conn, 5), users, authz, logging.Discard(), incidents.Options{})
	h := &IngestHandler{Service: svc, Rules: DefaultRules(), Logger: logging.Discard(), IngestToken: "tok"}
	return h, svc,
		auth.Caller{ID: uploader.ID, Username: uploader.Username},
		auth.Caller{ID: admin.ID, Username: admin.Username, IsAdmin: true}
}

func post(h http.Handler, token string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/scans", strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Api-Key", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestCreatesMalwareIncident(t *testing.T) {
	h, svc, uploader, admin := newIngest(t)

	sub := submission(12, 60)
	sub.UploadedBy.ID = uploader.ID
	sub.FileInfo.FileHash.SHA256 = "deadbeef"
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, post(h, "wrong", string(body)).Code)

	rec := post(h, "tok", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID             string `json:"id"`
		IncidentNumber string `json:"incidentNumber"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INC-000001", resp.IncidentNumber)

	v, err := svc.ViewIncident(context.Background(), uploader, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, incidents.SourceFileUpload, v.Source)
	assert.Equal(t, incidents.CategoryMalware, v.Category)
	assert.Equal(t, incidents.SeverityHigh, v.Severity)
	assert.Contains(t, v.Tags, "rule:confirmed")
	assert.Equal(t, "alice", v.ReportedBy.Username)
	require.NotNil(t, v.Metadata)
	assert.Equal(t, "deadbeef", v.Metadata.FileInfo.FileHash.SHA256)
	assert.InDelta(t, 20.0, v.Metadata.ScanResults.DetectionRate, 0.001)
	assert.Contains(t, v.Title, "invoice.exe")

	rep, err := svc.FormatReport(context.Background(), admin, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, rep.ScanResults)
	assert.Equal(t, 12, rep.ScanResults.MaliciousCount)
}

func TestIngestSkipsCleanAndRejectsBadInput(t *testing.T) {
	h, _, uploader, _ := newIngest(t)

	clean := submission(0, 60)
	clean.UploadedBy.ID = uploader.ID
	body, err := json.Marshal(clean)
	require.NoError(t, err)
	rec := post(h, "tok", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"skipped":true}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(h, "tok", `{"fileInfo":{"fileName":"x"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "tok", `not json`).Code)
}

func TestIngestRequiresConfiguredToken(t *testing.T) {
	h, svc, uploader, admin := newIngest(t)
	h.IngestToken = ""

	sub := submission(12, 60)
	sub.UploadedBy.ID = uploader.ID
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	for _, token := range []string{"", "tok", "anything"} {
		rec := post(h, token, string(body))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "token %q", token)
	}

	all, err := svc.ListAllIncidents(context.Background(), admin, incidents.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIngestRejectsUnknownUploader(t *testing.T) {
	h, svc, _, admin := newIngest(t)

	sub := submission(12, 60)
	sub.UploadedBy.ID = "not-a-user"
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	rec := post(h, "tok", string(body))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ValidationError", resp["error"])

	all, err := svc.ListAllIncidents(context.Background(), admin, incidents.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
