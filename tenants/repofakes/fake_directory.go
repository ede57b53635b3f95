package tenantrepofakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/tenants"
)

var (
	_ tenants.Directory   = (*FakeDirectory)(nil)
	_ tenants.Provisioner = (*FakeDirectory)(nil)
)

type FakeDirectory struct {
	tenants map[string]*tenants.Tenant
	members map[string]*tenants.Member
	roles   map[string]*tenants.Role
	orgs    map[string]*tenants.Organization
	nowFunc func() time.Time
	lock    sync.RWMutex
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		tenants: make(map[string]*tenants.Tenant),
		members: make(map[string]*tenants.Member),
		roles:   make(map[string]*tenants.Role),
		orgs:    make(map[string]*tenants.Organization),
		nowFunc: time.Now,
	}
}

func cloneMember(m *tenants.Member) *tenants.Member {
	cp := *m
	cp.RoleIDs = append([]string{}, m.RoleIDs...)
	return &cp
}

func (d *FakeDirectory) GetTenant(_ context.Context, tenantID string) (*tenants.Tenant, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *FakeDirectory) GetMember(_ context.Context, memberID string) (*tenants.Member, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	m, ok := d.members[memberID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneMember(m), nil
}

func (d *FakeDirectory) FindMember(_ context.Context, userID, tenantID string) (*tenants.Member, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, m := range d.members {
		if m.UserID == userID && m.TenantID == tenantID {
			return cloneMember(m), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// ListMembersForUser returns the user's memberships, oldest first.
func (d *FakeDirectory) ListMembersForUser(_ context.Context, userID string) ([]*tenants.Member, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	out := make([]*tenants.Member, 0)
	for _, m := range d.members {
		if m.UserID == userID {
			out = append(out, cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (d *FakeDirectory) RolesForMember(_ context.Context, memberID string) ([]*tenants.Role, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	m, ok := d.members[memberID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := make([]*tenants.Role, 0, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		if r, ok := d.roles[id]; ok {
			cp := *r
			cp.Permissions = append([]string{}, r.Permissions...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *FakeDirectory) OrganizationIDsForMember(_ context.Context, memberID string) ([]string, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	out := make([]string, 0)
	for _, o := range d.orgs {
		for _, id := range o.MemberIDs {
			if id == memberID {
				out = append(out, o.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *FakeDirectory) CreateTenant(_ context.Context, name, ownerUserID string) (*tenants.Tenant, *tenants.Member, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if name == "" || ownerUserID == "" {
		return nil, nil, apperrors.ErrInvalidRequest
	}
	now := d.nowFunc()
	t := &tenants.Tenant{ID: uuid.New().String(), Name: name, CreatedAt: now}
	owner := &tenants.Role{
		ID:          uuid.New().String(),
		TenantID:    t.ID,
		Code:        tenants.OwnerRoleCode,
		Name:        "Owner",
		Permissions: append([]string{}, tenants.OwnerPermissions...),
	}
	m := &tenants.Member{
		ID:       uuid.New().String(),
		TenantID: t.ID,
		UserID:   ownerUserID,
		Status:   tenants.MemberActive,
		RoleIDs:  []string{owner.ID},
		JoinedAt: now,
	}
	d.tenants[t.ID] = t
	d.roles[owner.ID] = owner
	d.members[m.ID] = m

	tc := *t
	return &tc, cloneMember(m), nil
}

// AddMember adds userID to tenantID with no roles.
func (d *FakeDirectory) AddMember(tenantID, userID string) (*tenants.Member, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.tenants[tenantID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	m := &tenants.Member{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		UserID:   userID,
		Status:   tenants.MemberActive,
		RoleIDs:  []string{},
		JoinedAt: d.nowFunc(),
	}
	d.members[m.ID] = m
	return cloneMember(m), nil
}

// CreateRole adds a role to tenantID.
func (d *FakeDirectory) CreateRole(tenantID, code string, permissions ...string) (*tenants.Role, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.tenants[tenantID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	r := &tenants.Role{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Code:        code,
		Name:        code,
		Permissions: append([]string{}, permissions...),
	}
	d.roles[r.ID] = r
	cp := *r
	return &cp, nil
}

func (d *FakeDirectory) AssignRole(memberID, roleID string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	m, ok := d.members[memberID]
	if !ok {
		return apperrors.ErrNotFound
	}
	r, ok := d.roles[roleID]
	if !ok || r.TenantID != m.TenantID {
		return apperrors.ErrNotFound
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return nil
		}
	}
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (d *FakeDirectory) SetRolePermissions(roleID string, permissions ...string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	r, ok := d.roles[roleID]
	if !ok {
		return apperrors.ErrNotFound
	}
	r.Permissions = append([]string{}, permissions...)
	return nil
}

func (d *FakeDirectory) SetMemberStatus(memberID string, status tenants.MemberStatus) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	m, ok := d.members[memberID]
	if !ok {
		return apperrors.ErrNotFound
	}
	m.Status = status
	return nil
}

// AddToOrganization puts memberID in the named organization, creating it when needed.
func (d *FakeDirectory) AddToOrganization(tenantID, orgName, memberID string) (*tenants.Organization, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	var org *tenants.Organization
	for _, o := range d.orgs {
		if o.TenantID == tenantID && o.Name == orgName {
			org = o
			break
		}
	}
	if org == nil {
		org = &tenants.Organization{ID: uuid.New().String(), TenantID: tenantID, Name: orgName}
		d.orgs[org.ID] = org
	}
	for _, id := range org.MemberIDs {
		if id == memberID {
			cp := *org
			return &cp, nil
		}
	}
	org.MemberIDs = append(org.MemberIDs, memberID)
	cp := *org
	cp.MemberIDs = append([]string{}, org.MemberIDs...)
	return &cp, nil
}
