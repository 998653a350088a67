package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelops/internal/auth"
)

func TestCreateIncidentDefaults(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.CreateIncident(context.Background(), f.alice, NewIncident{
		Title:       "Suspicious login",
		Description: "Login from an unknown country",
		Severity:    SeverityHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, "INC-000001", v.IncidentNumber)
	assert.Equal(t, StatusOpen, v.Status)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, CategoryOther, v.Category)
	assert.Equal(t, SourceManual, v.Source)
	assert.Equal(t, f.alice.ID, v.ReportedBy.ID)
	assert.Equal(t, "alice", v.ReportedBy.Username)
	assert.Nil(t, v.AssignedTo)
	assert.Empty(t, v.Tags)
	assert.Empty(t, v.Comments)
	assert.Nil(t, v.ResolvedAt)
}

func TestCreateIncidentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   NewIncident
	}{
		{"missing title", NewIncident{Description: "d"}},
		{"blank description", NewIncident{Title: "t", Description: "   "}},
		{"bad severity", NewIncident{Title: "t", Description: "d", Severity: "Severe"}},
		{"bad status", NewIncident{Title: "t", Description: "d", Status: "Pending"}},
		{"bad category", NewIncident{Title: "t", Description: "d", Category: "Spam"}},
		{"unknown assignee", NewIncident{Title: "t", Description: "d", AssignedTo: "nobody"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateIncident(ctx, f.alice, tc.in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateIncidentRequiresCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateIncident(context.Background(), auth.Caller{}, NewIncident{Title: "t", Description: "d"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateIncidentResolvedStampsResolvedAt(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.CreateIncident(context.Background(), f.admin, NewIncident{
		Title: "Already handled", Description: "closed out", Status: StatusResolved,
	})
	require.NoError(t, err)
	require.NotNil(t, v.ResolvedAt)
	assert.Equal(t, v.CreatedAt, *v.ResolvedAt)
}

func TestViewIncidentAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Phishing mail")

	got, err := f.svc.ViewIncident(ctx, f.alice, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.IncidentNumber, got.IncidentNumber)

	_, err = f.svc.ViewIncident(ctx, f.admin, inc.ID)
	require.NoError(t, err)

	_, err = f.svc.ViewIncident(ctx, f.bob, inc.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ViewIncident(ctx, f.alice, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNonOwnerIsForbiddenEverywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Private")

	_, err := f.svc.ViewIncident(ctx, f.bob, inc.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.FormatReport(ctx, f.bob, inc.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.AddComment(ctx, f.bob, inc.ID, "let me in")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.store.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Comments)
}

func TestUpdateIncidentResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Malware on laptop")

	resolved := StatusResolved
	notes := "reimaged"
	v, err := f.svc.UpdateIncident(ctx, f.admin, inc.ID, Patch{Status: &resolved, ResolutionNotes: &notes})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, v.Status)
	assert.Equal(t, "reimaged", v.ResolutionNotes)
	require.NotNil(t, v.ResolvedAt)
	assert.False(t, v.ResolvedAt.Before(v.CreatedAt))
	assert.Equal(t, "alice", v.ReportedBy.Username)

	first := *v.ResolvedAt
	closed := StatusClosed
	v, err = f.svc.UpdateIncident(ctx, f.admin, inc.ID, Patch{Status: &closed})
	require.NoError(t, err)
	require.NotNil(t, v.ResolvedAt)
	assert.Equal(t, first, *v.ResolvedAt)
}

func TestUpdateIncidentRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Rules")

	high := SeverityHigh
	_, err := f.svc.UpdateIncident(ctx, f.alice, inc.ID, Patch{Severity: &high})
	assert.ErrorIs(t, err, ErrForbidden)

	bogus := Status("Done")
	_, err = f.svc.UpdateIncident(ctx, f.admin, inc.ID, Patch{Status: &bogus})
	assert.ErrorIs(t, err, ErrValidation)

	badSeverity := Severity("Extreme")
	_, err = f.svc.UpdateIncident(ctx, f.admin, inc.ID, Patch{Severity: &badSeverity})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateIncident(ctx, f.admin, "missing", Patch{Severity: &high})
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := f.svc.UpdateIncident(ctx, f.admin, inc.ID, Patch{Severity: &high})
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, StatusOpen, v.Status)
}

func TestAddComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Comments")

	_, err := f.svc.AddComment(ctx, f.alice, inc.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.AddComment(ctx, f.alice, inc.ID, "   \n")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.AddComment(ctx, f.alice, "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, step := range []struct {
		caller auth.Caller
		text   string
	}{
		{f.alice, "t1"},
		{f.admin, "t2"},
		{f.alice, "t3"},
	} {
		_, err := f.svc.AddComment(ctx, step.caller, inc.ID, step.text)
		require.NoError(t, err)
	}
	v, err := f.svc.ViewIncident(ctx, f.alice, inc.ID)
	require.NoError(t, err)
	require.Len(t, v.Comments, 3)
	assert.Equal(t, "t1", v.Comments[0].Text)
	assert.Equal(t, "alice", v.Comments[0].CreatedBy.Username)
	assert.Equal(t, "t2", v.Comments[1].Text)
	assert.Equal(t, "admin", v.Comments[1].CreatedBy.Username)
	assert.Equal(t, "t3", v.Comments[2].Text)
	for i := 1; i < len(v.Comments); i++ {
		assert.False(t, v.Comments[i].CreatedAt.Before(v.Comments[i-1].CreatedAt))
	}
}

func TestAssignIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.createAs(t, f.alice, "Assign me")

	_, err := f.svc.AssignIncident(ctx, f.alice, inc.ID, f.bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AssignIncident(ctx, f.admin, inc.ID, "ghost")
	assert.ErrorIs(t, err, ErrValidation)

	v, err := f.svc.AssignIncident(ctx, f.admin, inc.ID, f.bob.ID)
	require.NoError(t, err)
	require.NotNil(t, v.AssignedTo)
	assert.Equal(t, "bob", v.AssignedTo.Username)

	v, err = f.svc.AssignIncident(ctx, f.admin, inc.ID, "")
	require.NoError(t, err)
	assert.Nil(t, v.AssignedTo)
}

func TestListIncidents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	f.freeze(base)
	f.createAs(t, f.alice, "a1")
	f.freeze(base.Add(time.Minute))
	f.createAs(t, f.bob, "b1")
	f.freeze(base.Add(2 * time.Minute))
	f.createAs(t, f.alice, "a2")

	mine, err := f.svc.ListOwnIncidents(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a2", mine[0].Title)
	assert.Equal(t, "a1", mine[1].Title)

	_, err = f.svc.ListAllIncidents(ctx, f.alice, ListFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := f.svc.ListAllIncidents(ctx, f.admin, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.ListAllIncidents(ctx, f.admin, ListFilter{Timeframe: "yesterday"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ListAllIncidents(ctx, f.admin, ListFilter{Status: "Pending"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateOnBehalf(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.CreateOnBehalf(context.Background(), f.bob.ID, NewIncident{
		Title: "Upload flagged", Description: "scan", Source: SourceFileUpload, Category: CategoryMalware,
	})
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, v.ReportedBy.ID)
	assert.Equal(t, SourceFileUpload, v.Source)

	_, err = f.svc.CreateOnBehalf(context.Background(), "", NewIncident{Title: "t", Description: "d"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateOnBehalf(context.Background(), "no-such-user", NewIncident{Title: "t", Description: "d"})
	assert.ErrorIs(t, err, ErrValidation)

	mine, err := f.svc.ListAllIncidents(context.Background(), f.admin, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}
