package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"sentinelops/internal/db"
)

const defaultNumberRetries = 5

type Store struct {
	db      *sql.DB
	retries int
	now     func() time.Time
	newID   func() string
}

// inBatchSize bounds the bind parameters of a single IN (...) lookup.
var inBatchSize = 500

// NewStore returns a Store that retries incident number assignment up to
// numberRetries times before reporting a conflict.
func NewStore(conn *sql.DB, numberRetries int) *Store {
	if numberRetries <= 0 {
		numberRetries = defaultNumberRetries
	}
	return &Store{db: conn, retries: numberRetries, now: time.Now, newID: newUUID}
}

func newUUID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

const incidentColumns = `id, seq, incident_number, title, description, status, severity, category,
	reported_by, assigned_to, source, tags, metadata, resolution_notes,
	created_at, updated_at, resolved_at`

// Create persists inc and assigns its id and incident number. The number is
// derived from the highest existing sequence inside a transaction; a unique
// index violation from a concurrent writer restarts the attempt.
func (s *Store) Create(ctx context.Context, inc *Incident) error {
	if strings.TrimSpace(inc.Title) == "" {
		return validationf("title is required")
	}
	if strings.TrimSpace(inc.Description) == "" {
		return validationf("description is required")
	}
	if inc.ReportedBy == "" {
		return validationf("reportedBy is required")
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	if inc.Tags == nil {
		inc.Tags = []string{}
	}
	if inc.Comments == nil {
		inc.Comments = []Comment{}
	}
	tags, err := json.Marshal(inc.Tags)
	if err != nil {
		return validationf("tags: %v", err)
	}
	meta, err := marshalMetadata(inc.Metadata)
	if err != nil {
		return validationf("metadata: %v", err)
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		now := s.clock()
		id := s.newID()
		resolvedAt := inc.ResolvedAt
		if inc.Status == StatusResolved && resolvedAt == nil {
			resolvedAt = &now
		}
		seq, err := s.insert(ctx, id, inc, string(tags), meta, now, resolvedAt)
		if err == nil {
			inc.ID = id
			inc.IncidentNumber = FormatNumber(seq)
			inc.CreatedAt = now
			inc.UpdatedAt = now
			inc.ResolvedAt = resolvedAt
			return nil
		}
		if !db.IsUniqueViolation(err) {
			return upstream(err, "create incident")
		}
	}
	return &Error{Kind: KindConflict, Msg: "could not assign an incident number, retry the request"}
}

func (s *Store) insert(ctx context.Context, id string, inc *Incident, tags, meta string, now time.Time, resolvedAt *time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM incidents`).Scan(&seq); err != nil {
		return 0, err
	}
	seq++

	const q = `
		INSERT INTO incidents
		(id, seq, incident_number, title, description, status, severity, category,
		 reported_by, assigned_to, source, tags, metadata, resolution_notes,
		 created_at, updated_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	if _, err := tx.ExecContext(ctx, q,
		id,
		seq,
		FormatNumber(seq),
		inc.Title,
		inc.Description,
		inc.Status,
		inc.Severity,
		inc.Category,
		inc.ReportedBy,
		nullString(inc.AssignedTo),
		inc.Source,
		tags,
		meta,
		inc.ResolutionNotes,
		now,
		now,
		nullTime(resolvedAt),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, upstream(err, "get incident")
	}
	comments, err := s.loadComments(ctx, []string{inc.ID})
	if err != nil {
		return nil, upstream(err, "load comments")
	}
	inc.Comments = withComments(comments[inc.ID])
	return inc, nil
}

// Update applies patch and refreshes updated_at. resolved_at is stamped only
// when the status becomes Resolved and it has never been set.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Incident, error) {
	now := s.clock()
	sets := []string{"updated_at = $1"}
	args := []interface{}{now}
	idx := 2
	if patch.Status != nil {
		sets = append(sets, "status = $"+itoa(idx))
		args = append(args, string(*patch.Status))
		idx++
		if *patch.Status == StatusResolved {
			sets = append(sets, "resolved_at = COALESCE(resolved_at, $"+itoa(idx)+")")
			args = append(args, now)
			idx++
		}
	}
	if patch.Severity != nil {
		sets = append(sets, "severity = $"+itoa(idx))
		args = append(args, string(*patch.Severity))
		idx++
	}
	if patch.ResolutionNotes != nil {
		sets = append(sets, "resolution_notes = $"+itoa(idx))
		args = append(args, *patch.ResolutionNotes)
		idx++
	}
	args = append(args, id)
	q := "UPDATE incidents SET " + strings.Join(sets, ", ") + " WHERE id = $" + itoa(idx)
	if err := s.execOne(ctx, s.db, id, q, args...); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// SetAssignee sets or, with an empty assignee, clears assigned_to.
func (s *Store) SetAssignee(ctx context.Context, id, assignee string) (*Incident, error) {
	const q = `UPDATE incidents SET assigned_to = $1, updated_at = $2 WHERE id = $3`
	if err := s.execOne(ctx, s.db, id, q, nullString(assignee), s.clock(), id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// AppendComment inserts a comment row and touches the parent in a single
// transaction. Concurrent appends each add their own row, so none is lost.
func (s *Store) AppendComment(ctx context.Context, id string, c *Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return upstream(err, "begin comment")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock()
	if err := s.execOne(ctx, tx, id, `UPDATE incidents SET updated_at = $1 WHERE id = $2`, now, id); err != nil {
		return err
	}
	const q = `
		INSERT INTO incident_comments (incident_id, text, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, q, id, c.Text, c.CreatedBy, now).Scan(&c.ID); err != nil {
		return upstream(err, "insert comment")
	}
	if err := tx.Commit(); err != nil {
		return upstream(err, "commit comment")
	}
	c.CreatedAt = now
	return nil
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	idx := 1
	if f.ReportedBy != "" {
		clauses = append(clauses, "reported_by = $"+itoa(idx))
		args = append(args, f.ReportedBy)
		idx++
	}
	if f.Status != "" {
		clauses = append(clauses, "status = $"+itoa(idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = $"+itoa(idx))
		args = append(args, string(f.Severity))
		idx++
	}
	if f.Category != "" {
		clauses = append(clauses, "category = $"+itoa(idx))
		args = append(args, string(f.Category))
		idx++
	}
	if since := f.Timeframe.Since(s.clock()); !since.IsZero() {
		clauses = append(clauses, "created_at >= $"+itoa(idx))
		args = append(args, since)
		idx++
	}
	query := "SELECT " + incidentColumns +
		" FROM incidents WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC, seq DESC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, upstream(err, "list incidents")
	}
	defer rows.Close()
	res := []Incident{}
	ids := []string{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, upstream(err, "scan incident")
		}
		res = append(res, *inc)
		ids = append(ids, inc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream(err, "list incidents")
	}
	comments, err := s.loadComments(ctx, ids)
	if err != nil {
		return nil, upstream(err, "load comments")
	}
	for i := range res {
		res[i].Comments = withComments(comments[res[i].ID])
	}
	return res, nil
}

func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&n); err != nil {
		return 0, upstream(err, "count incidents")
	}
	return n, nil
}

func (s *Store) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE created_at >= $1`, since.UTC()).Scan(&n); err != nil {
		return 0, upstream(err, "count incidents")
	}
	return n, nil
}

type GroupCount struct {
	Key   string
	Count int64
}

var groupColumns = map[string]string{
	"status":   "status",
	"severity": "severity",
	"category": "category",
}

// GroupCountBy counts incidents per distinct value of field. A NULL value is
// reported under the empty key.
func (s *Store) GroupCountBy(ctx context.Context, field string) ([]GroupCount, error) {
	col, ok := groupColumns[field]
	if !ok {
		return nil, validationf("cannot group by %q", field)
	}
	q := "SELECT " + col + ", COUNT(*) FROM incidents GROUP BY " + col + " ORDER BY " + col
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, upstream(err, "group incidents")
	}
	defer rows.Close()
	res := []GroupCount{}
	for rows.Next() {
		var key sql.NullString
		var gc GroupCount
		if err := rows.Scan(&key, &gc.Count); err != nil {
			return nil, upstream(err, "scan group")
		}
		gc.Key = key.String
		res = append(res, gc)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream(err, "group incidents")
	}
	return res, nil
}

// CreatedSince returns the creation times of incidents created at or after since.
func (s *Store) CreatedSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT created_at FROM incidents WHERE created_at >= $1 ORDER BY created_at`, since.UTC())
	if err != nil {
		return nil, upstream(err, "incident creation times")
	}
	defer rows.Close()
	var res []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, upstream(err, "scan creation time")
		}
		res = append(res, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, upstream(err, "incident creation times")
	}
	return res, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// execOne runs a single-row update and reports NotFound when nothing matched.
func (s *Store) execOne(ctx context.Context, ex execer, id, q string, args ...interface{}) error {
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return upstream(err, "update incident")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return upstream(err, "update incident")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *Store) loadComments(ctx context.Context, ids []string) (map[string][]Comment, error) {
	out := make(map[string][]Comment, len(ids))
	for start := 0; start < len(ids); start += inBatchSize {
		end := start + inBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.loadCommentBatch(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadCommentBatch(ctx context.Context, ids []string, out map[string][]Comment) error {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + itoa(i+1)
		args[i] = id
	}
	q := `SELECT id, incident_id, text, created_by, created_at FROM incident_comments
		WHERE incident_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c Comment
		var incidentID string
		if err := rows.Scan(&c.ID, &incidentID, &c.Text, &c.CreatedBy, &c.CreatedAt); err != nil {
			return err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out[incidentID] = append(out[incidentID], c)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row scanner) (*Incident, error) {
	var (
		inc        Incident
		seq        int64
		assignedTo sql.NullString
		tags       string
		meta       string
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&inc.ID, &seq, &inc.IncidentNumber, &inc.Title, &inc.Description,
		&inc.Status, &inc.Severity, &inc.Category, &inc.ReportedBy, &assignedTo, &inc.Source,
		&tags, &meta, &inc.ResolutionNotes, &inc.CreatedAt, &inc.UpdatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if n, err := ParseNumber(inc.IncidentNumber); err != nil || n != seq {
		return nil, fmt.Errorf("incident %s: number %q does not match sequence %d", inc.ID, inc.IncidentNumber, seq)
	}
	inc.AssignedTo = assignedTo.String
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		inc.ResolvedAt = &t
	}
	inc.Tags = []string{}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &inc.Tags); err != nil {
			return nil, err
		}
	}
	m, err := unmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	inc.Metadata = m
	return &inc, nil
}

func marshalMetadata(m *Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) (*Metadata, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func withComments(c []Comment) []Comment {
	if c == nil {
		return []Comment{}
	}
	return c
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
