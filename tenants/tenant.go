package tenants

import "time"

// OwnerRoleCode is the role given to the member who creates a tenant.
const OwnerRoleCode = "owner"

// OwnerPermissions are attached to the owner role of a newly provisioned tenant.
var OwnerPermissions = []string{"tenant.manage", "members.manage", "roles.manage"}

// Tenant is an isolated customer account. Users join it through a Member.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberRemoved   MemberStatus = "removed"
)

// Member links a user to a tenant.
type Member struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	UserID   string       `json:"user_id"`
	Status   MemberStatus `json:"status"`
	RoleIDs  []string     `json:"role_ids"`
	JoinedAt time.Time    `json:"joined_at"`
}

func (m *Member) IsActive() bool {
	return m.Status == MemberActive
}

// Role is a tenant scoped role. Permissions holds permission codes.
type Role struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Organization groups members inside a tenant.
type Organization struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}
