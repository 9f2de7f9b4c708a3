package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.AddUser("root", RoleAdmin))
	require.NoError(t, s.AddUser("op", RoleOperator))
	require.NoError(t, s.AddUser("watcher", RoleViewer))
	return s
}

func TestHasPermission(t *testing.T) {
	s := seedStore(t)

	t.Run("default table is reflected per role", func(t *testing.T) {
		assert.True(t, s.HasPermission("watcher", PermSessionsView))
		assert.True(t, s.HasPermission("watcher", PermMemoryRead))
		assert.False(t, s.HasPermission("watcher", PermMemoryWrite))
		assert.False(t, s.HasPermission("watcher", PermAgentsSpawn))

		assert.True(t, s.HasPermission("op", PermAgentsSpawn))
		assert.True(t, s.HasPermission("op", PermMemoryWrite))
		assert.True(t, s.HasPermission("op", PermSwarmsManage))
		assert.False(t, s.HasPermission("op", PermConfigManage))
		assert.False(t, s.HasPermission("op", PermAuditView))
	})

	t.Run("admin always passes", func(t *testing.T) {
		for _, p := range []Permission{PermUsersManage, PermConfigManage, PermAuditView, PermMemoryWrite} {
			assert.True(t, s.HasPermission("root", p), string(p))
		}
	})

	t.Run("unknown user has nothing", func(t *testing.T) {
		assert.False(t, s.HasPermission("nobody", PermSessionsView))
	})

	t.Run("custom grants extend and revoking removes", func(t *testing.T) {
		require.NoError(t, s.Grant("root", "watcher", PermAuditView))
		assert.True(t, s.HasPermission("watcher", PermAuditView))

		require.NoError(t, s.Revoke("root", "watcher", PermAuditView))
		assert.False(t, s.HasPermission("watcher", PermAuditView))

		// Revoking a role-derived permission has no effect.
		require.NoError(t, s.Revoke("root", "watcher", PermSessionsView))
		assert.True(t, s.HasPermission("watcher", PermSessionsView))
	})

	t.Run("non-admin actors cannot grant", func(t *testing.T) {
		err := s.Grant("op", "watcher", PermAuditView)
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	})
}

func TestCheckResourceAction(t *testing.T) {
	s := seedStore(t)

	t.Run("mapped permission authorizes", func(t *testing.T) {
		assert.NoError(t, s.CheckResourceAction("op", "agent", "spawn", "ag-1", ""))
		err := s.CheckResourceAction("watcher", "agent", "spawn", "ag-1", "")
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	})

	t.Run("owner override allows non-admin operations", func(t *testing.T) {
		assert.NoError(t, s.CheckResourceAction("watcher", "session", "manage", "sess-1", "watcher"))
		err := s.CheckResourceAction("watcher", "session", "manage", "sess-1", "op")
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	})

	t.Run("owner override never covers admin-only permissions", func(t *testing.T) {
		err := s.CheckResourceAction("op", "provider", "manage", "prov-1", "op")
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	})

	t.Run("unknown mappings are rejected", func(t *testing.T) {
		err := s.CheckResourceAction("root", "teapot", "brew", "", "")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	})
}

func TestRoleManagement(t *testing.T) {
	t.Run("only admins change roles", func(t *testing.T) {
		s := seedStore(t)
		err := s.SetRole("op", "watcher", RoleOperator)
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

		require.NoError(t, s.SetRole("root", "watcher", RoleOperator))
		role, err := s.Role("watcher")
		require.NoError(t, err)
		assert.Equal(t, RoleOperator, role)
	})

	t.Run("last admin cannot be demoted or removed", func(t *testing.T) {
		s := seedStore(t)
		err := s.SetRole("root", "root", RoleViewer)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

		err = s.RemoveUser("root")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

		// With a second admin, demotion is allowed.
		require.NoError(t, s.AddUser("root2", RoleAdmin))
		require.NoError(t, s.SetRole("root2", "root", RoleViewer))
	})

	t.Run("hierarchy comparisons", func(t *testing.T) {
		s := seedStore(t)
		assert.True(t, s.AtLeast("root", RoleOperator))
		assert.True(t, s.AtLeast("op", RoleViewer))
		assert.False(t, s.AtLeast("watcher", RoleOperator))
		assert.False(t, s.AtLeast("nobody", RoleViewer))
	})

	t.Run("duplicate and invalid users", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddUser("u1", RoleViewer))
		assert.True(t, apperr.IsKind(s.AddUser("u1", RoleViewer), apperr.KindInvalidInput))
		assert.True(t, apperr.IsKind(s.AddUser("", RoleViewer), apperr.KindInvalidInput))
		assert.True(t, apperr.IsKind(s.AddUser("u2", Role("demigod")), apperr.KindInvalidInput))
	})
}
