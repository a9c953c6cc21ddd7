// Package rbac is the coarse, config-level permission layer guarding
// the Record API Registry itself: who may create,
// update, delete, or grant access to a configured Record API. This
// sits above the per-row SQL Access-Rule Compiler in package acl -
// that package decides whether a request may touch a given row, this
// one decides whether a subject may touch the registry entry at all.
package rbac

import (
	"database/sql"
	"strings"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	Model = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.act == p.act && r.dom == p.dom && r.obj == p.obj && g(r.sub, p.sub, r.dom)
`
)

// Registry roles, most to least privileged. RoleOwner inherits
// RoleEditor which inherits RoleViewer, wired as a grouping-policy
// chain in Bootstrap.
const (
	RoleOwner  = "registry:owner"
	RoleEditor = "registry:editor"
	RoleViewer = "registry:viewer"
)

// allObjects is the wildcard registry object: every policy this
// package writes is domain-wide rather than scoped to one API name,
// since registry administration is an all-or-nothing grant within a
// domain.
const allObjects = "*"

type Enforcer struct {
	E *casbin.Enforcer
}

func NewEnforcer(path string) (*Enforcer, error) {
	m, err := model.NewModelFromString(Model)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	a, err := adapter.NewAdapter(db, "sqlite3", "acl")
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m, a)
	if err != nil {
		return nil, err
	}

	e.EnableAutoSave(false)

	return &Enforcer{e}, nil
}

func ownerPolicies(domain string) [][]string {
	return [][]string{
		{RoleOwner, domain, allObjects, "api:create"},
		{RoleOwner, domain, allObjects, "api:update"},
		{RoleOwner, domain, allObjects, "api:delete"},
		{RoleOwner, domain, allObjects, "api:grant"},
	}
}

func editorPolicies(domain string) [][]string {
	return [][]string{
		{RoleEditor, domain, allObjects, "api:create"},
		{RoleEditor, domain, allObjects, "api:update"},
	}
}

func viewerPolicies(domain string) [][]string {
	return [][]string{
		{RoleViewer, domain, allObjects, "api:read"},
	}
}

// Bootstrap wires the owner > editor > viewer role hierarchy and base
// policies for domain. Safe to call more than once: casbin policy
// addition is idempotent.
func (e *Enforcer) Bootstrap(domain string) error {
	var policies [][]string
	policies = append(policies, ownerPolicies(domain)...)
	policies = append(policies, editorPolicies(domain)...)
	policies = append(policies, viewerPolicies(domain)...)

	if _, err := e.E.AddPolicies(policies); err != nil {
		return err
	}

	if _, err := e.E.AddGroupingPolicy(RoleOwner, RoleEditor, domain); err != nil {
		return err
	}
	_, err := e.E.AddGroupingPolicy(RoleEditor, RoleViewer, domain)
	return err
}

func (e *Enforcer) AddOwner(domain, subject string) error {
	_, err := e.E.AddGroupingPolicy(subject, RoleOwner, domain)
	return err
}

func (e *Enforcer) RemoveOwner(domain, subject string) error {
	_, err := e.E.RemoveGroupingPolicy(subject, RoleOwner, domain)
	return err
}

func (e *Enforcer) AddEditor(domain, subject string) error {
	_, err := e.E.AddGroupingPolicy(subject, RoleEditor, domain)
	return err
}

func (e *Enforcer) RemoveEditor(domain, subject string) error {
	_, err := e.E.RemoveGroupingPolicy(subject, RoleEditor, domain)
	return err
}

func (e *Enforcer) AddViewer(domain, subject string) error {
	_, err := e.E.AddGroupingPolicy(subject, RoleViewer, domain)
	return err
}

func (e *Enforcer) RemoveViewer(domain, subject string) error {
	_, err := e.E.RemoveGroupingPolicy(subject, RoleViewer, domain)
	return err
}

func (e *Enforcer) IsCreateAllowed(subject, domain string) (bool, error) {
	return e.E.Enforce(subject, domain, allObjects, "api:create")
}

func (e *Enforcer) IsUpdateAllowed(subject, domain string) (bool, error) {
	return e.E.Enforce(subject, domain, allObjects, "api:update")
}

func (e *Enforcer) IsDeleteAllowed(subject, domain string) (bool, error) {
	return e.E.Enforce(subject, domain, allObjects, "api:delete")
}

func (e *Enforcer) IsGrantAllowed(subject, domain string) (bool, error) {
	return e.E.Enforce(subject, domain, allObjects, "api:grant")
}

func (e *Enforcer) IsReadAllowed(subject, domain string) (bool, error) {
	return e.E.Enforce(subject, domain, allObjects, "api:read")
}

func (e *Enforcer) IsOwner(subject, domain string) (bool, error) {
	return e.isRole(subject, RoleOwner, domain)
}

func (e *Enforcer) GetRolesForUser(subject, domain string) ([]string, error) {
	return e.E.GetImplicitRolesForUser(subject, domain)
}

// GetUsersByRole returns every subject holding role in domain,
// including through the owner/editor/viewer inheritance chain.
func (e *Enforcer) GetUsersByRole(role, domain string) ([]string, error) {
	users, err := e.E.GetImplicitUsersForRole(role, domain)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, u := range users {
		if strings.HasPrefix(u, "registry:") {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (e *Enforcer) isRole(subject, role, domain string) (bool, error) {
	roles, err := e.E.GetImplicitRolesForUser(subject, domain)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}
