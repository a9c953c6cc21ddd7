package rbac_test

import (
	"database/sql"
	"testing"

	"github.com/kilndb/recordapi/rbac"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func setup(t *testing.T) *rbac.Enforcer {
	db, err := sql.Open("sqlite3", ":memory:")
	assert.NoError(t, err)

	a, err := adapter.NewAdapter(db, "sqlite3", "acl")
	assert.NoError(t, err)

	m, err := model.NewModelFromString(rbac.Model)
	assert.NoError(t, err)

	e, err := casbin.NewEnforcer(m, a)
	assert.NoError(t, err)

	e.EnableAutoSave(false)

	return &rbac.Enforcer{E: e}
}

func TestBootstrapAndOwnerInheritance(t *testing.T) {
	e := setup(t)

	err := e.Bootstrap("default")
	assert.NoError(t, err)

	err = e.AddOwner("default", "alice")
	assert.NoError(t, err)

	isOwner, err := e.IsOwner("alice", "default")
	assert.NoError(t, err)
	assert.True(t, isOwner)

	canCreate, err := e.IsCreateAllowed("alice", "default")
	assert.NoError(t, err)
	assert.True(t, canCreate)

	canGrant, err := e.IsGrantAllowed("alice", "default")
	assert.NoError(t, err)
	assert.True(t, canGrant)

	// owner inherits editor and viewer
	canRead, err := e.IsReadAllowed("alice", "default")
	assert.NoError(t, err)
	assert.True(t, canRead)
}

func TestEditorCannotDeleteOrGrant(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))

	err := e.AddEditor("default", "bob")
	assert.NoError(t, err)

	canCreate, err := e.IsCreateAllowed("bob", "default")
	assert.NoError(t, err)
	assert.True(t, canCreate)

	canDelete, err := e.IsDeleteAllowed("bob", "default")
	assert.NoError(t, err)
	assert.False(t, canDelete)

	canGrant, err := e.IsGrantAllowed("bob", "default")
	assert.NoError(t, err)
	assert.False(t, canGrant)
}

func TestViewerIsReadOnly(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))

	err := e.AddViewer("default", "carol")
	assert.NoError(t, err)

	canRead, err := e.IsReadAllowed("carol", "default")
	assert.NoError(t, err)
	assert.True(t, canRead)

	canCreate, err := e.IsCreateAllowed("carol", "default")
	assert.NoError(t, err)
	assert.False(t, canCreate)
}

func TestRemoveEditorRevokesAccess(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))
	assert.NoError(t, e.AddEditor("default", "bob"))

	err := e.RemoveEditor("default", "bob")
	assert.NoError(t, err)

	canCreate, err := e.IsCreateAllowed("bob", "default")
	assert.NoError(t, err)
	assert.False(t, canCreate)
}

func TestDomainsAreIsolated(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("tenant-a"))
	assert.NoError(t, e.Bootstrap("tenant-b"))
	assert.NoError(t, e.AddOwner("tenant-a", "alice"))

	canCreateA, err := e.IsCreateAllowed("alice", "tenant-a")
	assert.NoError(t, err)
	assert.True(t, canCreateA)

	canCreateB, err := e.IsCreateAllowed("alice", "tenant-b")
	assert.NoError(t, err)
	assert.False(t, canCreateB)
}

func TestGetUsersByRoleIncludesInheritance(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))
	assert.NoError(t, e.AddOwner("default", "alice"))
	assert.NoError(t, e.AddEditor("default", "bob"))

	viewers, err := e.GetUsersByRole(rbac.RoleViewer, "default")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, viewers)
}

func TestEmptySubjectHasNoPermissions(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))

	allowed, err := e.IsCreateAllowed("nobody", "default")
	assert.NoError(t, err)
	assert.False(t, allowed)
}

func TestDuplicateBootstrapIsIdempotent(t *testing.T) {
	e := setup(t)
	assert.NoError(t, e.Bootstrap("default"))
	err := e.Bootstrap("default")
	assert.NoError(t, err)
}
