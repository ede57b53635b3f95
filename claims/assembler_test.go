package claims_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-server/claims"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/tenants"
	tenantrepofakes "github.com/jrsteele09/go-identity-server/tenants/repofakes"
)

type testFixture struct {
	dir       *tenantrepofakes.FakeDirectory
	assembler *claims.Assembler
	tenant    *tenants.Tenant
	owner     *tenants.Member
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := tenantrepofakes.NewFakeDirectory()
	tenant, owner, err := dir.CreateTenant(context.Background(), "Acme", "user-1")
	require.NoError(t, err)
	return &testFixture{
		dir:       dir,
		assembler: claims.NewAssembler(dir),
		tenant:    tenant,
		owner:     owner,
	}
}

func TestAssembleOwner(t *testing.T) {
	f := setupTestFixture(t)

	c, err := f.assembler.Assemble(context.Background(), "user-1", f.tenant.ID, f.owner.ID)
	require.NoError(t, err)
	require.Equal(t, "user-1", c.UserID)
	require.Equal(t, f.tenant.ID, c.TenantID)
	require.Equal(t, f.owner.ID, c.MemberID)
	require.Equal(t, []string{tenants.OwnerRoleCode}, c.Roles)
	require.ElementsMatch(t, tenants.OwnerPermissions, c.Permissions)
	require.Equal(t, []string{}, c.OrganizationIDs)
	require.False(t, c.IsUserOnly())
}

func TestPermissionsAreDistinctAcrossRoles(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	member, err := f.dir.AddMember(f.tenant.ID, "user-2")
	require.NoError(t, err)
	editor, err := f.dir.CreateRole(f.tenant.ID, "editor", "docs.read", "docs.write")
	require.NoError(t, err)
	viewer, err := f.dir.CreateRole(f.tenant.ID, "viewer", "docs.read")
	require.NoError(t, err)
	require.NoError(t, f.dir.AssignRole(member.ID, editor.ID))
	require.NoError(t, f.dir.AssignRole(member.ID, viewer.ID))
	orgA, err := f.dir.AddToOrganization(f.tenant.ID, "north", member.ID)
	require.NoError(t, err)
	orgB, err := f.dir.AddToOrganization(f.tenant.ID, "south", member.ID)
	require.NoError(t, err)

	c, err := f.assembler.Assemble(ctx, "user-2", f.tenant.ID, member.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"editor", "viewer"}, c.Roles)
	require.Equal(t, []string{"docs.read", "docs.write"}, c.Permissions)
	require.ElementsMatch(t, []string{orgA.ID, orgB.ID}, c.OrganizationIDs)

	t.Run("role changes show up on the next assembly", func(t *testing.T) {
		require.NoError(t, f.dir.SetRolePermissions(editor.ID, "docs.admin"))
		c, err := f.assembler.Assemble(ctx, "user-2", f.tenant.ID, member.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"docs.admin", "docs.read"}, c.Permissions)
	})
}

func TestInactiveMembership(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		userID   string
		tenantID string
		memberID string
		setup    func()
	}{
		{name: "unknown member", userID: "user-1", tenantID: f.tenant.ID, memberID: "missing"},
		{name: "member of another user", userID: "user-9", tenantID: f.tenant.ID, memberID: f.owner.ID},
		{name: "member of another tenant", userID: "user-1", tenantID: "other", memberID: f.owner.ID},
		{
			name: "suspended", userID: "user-1", tenantID: f.tenant.ID, memberID: f.owner.ID,
			setup: func() { require.NoError(t, f.dir.SetMemberStatus(f.owner.ID, tenants.MemberSuspended)) },
		},
		{
			name: "removed", userID: "user-1", tenantID: f.tenant.ID, memberID: f.owner.ID,
			setup: func() { require.NoError(t, f.dir.SetMemberStatus(f.owner.ID, tenants.MemberRemoved)) },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			_, err := f.assembler.Assemble(ctx, tc.userID, tc.tenantID, tc.memberID)
			require.ErrorIs(t, err, claims.ErrMembershipInactive)
			require.ErrorIs(t, err, apperrors.ErrAccountSuspended)
		})
	}
}

func TestUserOnly(t *testing.T) {
	c := claims.UserOnly("user-1")
	require.True(t, c.IsUserOnly())
	require.Empty(t, c.Roles)
}
