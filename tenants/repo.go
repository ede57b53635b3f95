package tenants

import "context"

// Directory is read access to tenant, membership, role and organization data.
// Lookups that find nothing return ErrNotFound.
type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetMember(ctx context.Context, memberID string) (*Member, error)
	FindMember(ctx context.Context, userID, tenantID string) (*Member, error)
	ListMembersForUser(ctx context.Context, userID string) ([]*Member, error)
	RolesForMember(ctx context.Context, memberID string) ([]*Role, error)
	OrganizationIDsForMember(ctx context.Context, memberID string) ([]string, error)
}

// Provisioner creates a tenant with ownerUserID as its first, owner, member.
type Provisioner interface {
	CreateTenant(ctx context.Context, name, ownerUserID string) (*Tenant, *Member, error)
}
