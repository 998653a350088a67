// Package access holds the capability rules for incident operations.
package access

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Action string

const (
	ActCreate  Action = "create"
	ActView    Action = "view"
	ActComment Action = "comment"
	ActListOwn Action = "list_own"
	ActListAll Action = "list_all"
	ActUpdate  Action = "update"
	ActAssign  Action = "assign"
	ActStats   Action = "stats"
	ActReport  Action = "report"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Subject is the caller as seen by the enforcer.
type Subject struct {
	ID   string
	Role string
}

// Resource is the object of a request. Owner is empty for collection-level
// actions.
type Resource struct {
	Owner string
}

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, act, scope

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub.Role == p.sub && r.act == p.act && (p.scope == "any" || (p.scope == "own" && r.sub.ID != "" && r.sub.ID == r.obj.Owner))
`

var defaultPolicies = [][]string{
	{RoleAdmin, string(ActCreate), "any"},
	{RoleAdmin, string(ActView), "any"},
	{RoleAdmin, string(ActComment), "any"},
	{RoleAdmin, string(ActListOwn), "any"},
	{RoleAdmin, string(ActListAll), "any"},
	{RoleAdmin, string(ActUpdate), "any"},
	{RoleAdmin, string(ActAssign), "any"},
	{RoleAdmin, string(ActStats), "any"},
	{RoleAdmin, string(ActReport), "any"},

	{RoleUser, string(ActCreate), "any"},
	{RoleUser, string(ActListOwn), "any"},
	{RoleUser, string(ActView), "own"},
	{RoleUser, string(ActComment), "own"},
	{RoleUser, string(ActReport), "own"},
}

type Authorizer struct {
	enforcer *casbin.Enforcer
}

func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("access model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("access enforcer: %w", err)
	}
	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("access policies: %w", err)
	}
	return &Authorizer{enforcer: e}, nil
}

// Can reports whether sub may perform act on res.
func (a *Authorizer) Can(sub Subject, act Action, res Resource) (bool, error) {
	return a.enforcer.Enforce(sub, res, string(act))
}
