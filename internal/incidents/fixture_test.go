package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
	"sentinelops/internal/db/dbtest"
	"sentinelops/internal/logging"
)

type fixture struct {
	store *Store
	users *auth.Store
	svc   *Service

	admin auth.Caller
	alice auth.Caller
	bob   auth.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	users := auth.NewStore(conn)
	store := NewStore(conn, 5)
	authz, err := access.NewAuthorizer()
	require.NoError(t, err)

	f := &fixture{
		store: store,
		users: users,
		svc:   NewService(store, users, authz, logging.Discard(), Options{}),
	}
	f.admin = f.addUser(t, "admin", auth.RoleAdmin)
	f.alice = f.addUser(t, "alice", auth.RoleUser)
	f.bob = f.addUser(t, "bob", auth.RoleUser)
	return f
}

func (f *fixture) addUser(t *testing.T, name string, role auth.Role) auth.Caller {
	t.Helper()
	u, err := f.users.Create(context.Background(), name, name+"@example.com", "pw-"+name, role)
	require.NoError(t, err)
	return auth.Caller{ID: u.ID, Username: u.Username, IsAdmin: role == auth.RoleAdmin}
}

// freeze pins both clocks to now.
func (f *fixture) freeze(now time.Time) {
	f.store.now = func() time.Time { return now }
	f.svc.now = func() time.Time { return now }
}

func (f *fixture) createAs(t *testing.T, caller auth.Caller, title string) *IncidentView {
	t.Helper()
	v, err := f.svc.CreateIncident(context.Background(), caller, NewIncident{
		Title:       title,
		Description: title + " description",
	})
	require.NoError(t, err)
	return v
}
