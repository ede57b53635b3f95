package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/tenants"
)

var (
	_ tenants.Directory   = (*DirectoryRepo)(nil)
	_ tenants.Provisioner = (*DirectoryRepo)(nil)
)

const memberColumns = "id, tenant_id, user_id, status, joined_at"

// DirectoryRepo reads tenants, memberships, roles and organizations, and
// provisions new tenants with their owner.
type DirectoryRepo struct {
	store   *Store
	nowFunc func() time.Time
}

func NewDirectoryRepo(s *Store) *DirectoryRepo {
	return &DirectoryRepo{store: s, nowFunc: time.Now}
}

func (r *DirectoryRepo) GetTenant(ctx context.Context, tenantID string) (*tenants.Tenant, error) {
	var (
		t       tenants.Tenant
		created int64
	)
	err := r.store.db.QueryRowContext(ctx,
		"SELECT id, name, domain, created_at FROM tenants WHERE id = ?", tenantID,
	).Scan(&t.ID, &t.Name, &t.Domain, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, "[DirectoryRepo.GetTenant]")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.GetTenant]")
	}
	t.CreatedAt = fromNanos(created)
	return &t, nil
}

func (r *DirectoryRepo) GetMember(ctx context.Context, memberID string) (*tenants.Member, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM tenant_members WHERE id = ?", memberID)
	return r.memberFromRow(ctx, row, "[DirectoryRepo.GetMember]")
}

func (r *DirectoryRepo) FindMember(ctx context.Context, userID, tenantID string) (*tenants.Member, error) {
	row := r.store.db.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM tenant_members WHERE user_id = ? AND tenant_id = ?", userID, tenantID)
	return r.memberFromRow(ctx, row, "[DirectoryRepo.FindMember]")
}

func (r *DirectoryRepo) memberFromRow(ctx context.Context, row *sql.Row, op string) (*tenants.Member, error) {
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, op)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if m.RoleIDs, err = r.roleIDs(ctx, m.ID); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return m, nil
}

// ListMembersForUser returns the user's memberships, oldest first.
func (r *DirectoryRepo) ListMembersForUser(ctx context.Context, userID string) ([]*tenants.Member, error) {
	rows, err := r.store.db.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM tenant_members WHERE user_id = ? ORDER BY joined_at, id", userID)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.ListMembersForUser]")
	}
	out := make([]*tenants.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "[DirectoryRepo.ListMembersForUser]")
		}
		out = append(out, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.ListMembersForUser]")
	}

	// roles are loaded after the rows are closed; sqlite runs on one connection
	for _, m := range out {
		if m.RoleIDs, err = r.roleIDs(ctx, m.ID); err != nil {
			return nil, errors.Wrap(err, "[DirectoryRepo.ListMembersForUser]")
		}
	}
	return out, nil
}

// RolesForMember returns the member's roles with their permissions.
func (r *DirectoryRepo) RolesForMember(ctx context.Context, memberID string) ([]*tenants.Role, error) {
	if err := r.memberExists(ctx, memberID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
	}

	rows, err := r.store.db.QueryContext(ctx, `SELECT tr.id, tr.tenant_id, tr.code, tr.name
		FROM tenant_roles tr JOIN member_roles mr ON mr.role_id = tr.id
		WHERE mr.member_id = ? ORDER BY tr.code`, memberID)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
	}
	out := make([]*tenants.Role, 0)
	byID := make(map[string]*tenants.Role)
	for rows.Next() {
		role := &tenants.Role{Permissions: []string{}}
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Code, &role.Name); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
		}
		out = append(out, role)
		byID[role.ID] = role
	}
	if err := closeRows(rows); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
	}

	rows, err = r.store.db.QueryContext(ctx, `SELECT rp.role_id, rp.permission
		FROM role_permissions rp JOIN member_roles mr ON mr.role_id = rp.role_id
		WHERE mr.member_id = ? ORDER BY rp.permission`, memberID)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
	}
	for rows.Next() {
		var roleID, permission string
		if err := rows.Scan(&roleID, &permission); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
		}
		if role, ok := byID[roleID]; ok {
			role.Permissions = append(role.Permissions, permission)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.RolesForMember]")
	}
	return out, nil
}

func (r *DirectoryRepo) OrganizationIDsForMember(ctx context.Context, memberID string) ([]string, error) {
	ids, err := r.strings(ctx,
		"SELECT organization_id FROM organization_members WHERE member_id = ? ORDER BY organization_id", memberID)
	return ids, errors.Wrap(err, "[DirectoryRepo.OrganizationIDsForMember]")
}

// CreateTenant creates the tenant, its owner role and ownerUserID's membership
// in one transaction.
func (r *DirectoryRepo) CreateTenant(ctx context.Context, name, ownerUserID string) (*tenants.Tenant, *tenants.Member, error) {
	if name == "" || ownerUserID == "" {
		return nil, nil, errors.Wrap(apperrors.ErrInvalidRequest, "[DirectoryRepo.CreateTenant] name and owner are required")
	}
	now := r.nowFunc().UTC()
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

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "INSERT INTO tenants (id, name, domain, created_at) VALUES (?, ?, ?, ?)",
		t.ID, t.Name, t.Domain, toNanos(t.CreatedAt)); err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] tenant")
	}
	if err := insertRole(ctx, tx, owner); err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] owner role")
	}
	if err := insertMember(ctx, tx, m); err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] owner member")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO member_roles (member_id, role_id) VALUES (?, ?)", m.ID, owner.ID); err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] owner role assignment")
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "[DirectoryRepo.CreateTenant] commit")
	}
	return t, m, nil
}

// AddMember adds userID to tenantID with no roles. A user can hold one
// membership per tenant.
func (r *DirectoryRepo) AddMember(ctx context.Context, tenantID, userID string) (*tenants.Member, error) {
	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddMember]")
	}
	m := &tenants.Member{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		UserID:   userID,
		Status:   tenants.MemberActive,
		RoleIDs:  []string{},
		JoinedAt: r.nowFunc().UTC(),
	}
	err := insertMember(ctx, r.store.db, m)
	if isUniqueViolation(err) {
		return nil, errors.Wrap(apperrors.ErrConflict, "[DirectoryRepo.AddMember] already a member")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddMember]")
	}
	return m, nil
}

// CreateRole adds a role to tenantID. Codes are unique per tenant.
func (r *DirectoryRepo) CreateRole(ctx context.Context, tenantID, code string, permissions ...string) (*tenants.Role, error) {
	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.CreateRole]")
	}
	role := &tenants.Role{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Code:        code,
		Name:        code,
		Permissions: append([]string{}, permissions...),
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.CreateRole] begin")
	}
	defer tx.Rollback() //nolint:errcheck

	err = insertRole(ctx, tx, role)
	if isUniqueViolation(err) {
		return nil, errors.Wrapf(apperrors.ErrConflict, "[DirectoryRepo.CreateRole] role %q exists", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.CreateRole]")
	}
	return role, errors.Wrap(tx.Commit(), "[DirectoryRepo.CreateRole] commit")
}

// AssignRole gives memberID the role. The role must belong to the member's tenant.
func (r *DirectoryRepo) AssignRole(ctx context.Context, memberID, roleID string) error {
	var n int
	err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenant_members m
		JOIN tenant_roles tr ON tr.tenant_id = m.tenant_id
		WHERE m.id = ? AND tr.id = ?`, memberID, roleID).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "[DirectoryRepo.AssignRole]")
	}
	if n == 0 {
		return errors.Wrap(apperrors.ErrNotFound, "[DirectoryRepo.AssignRole] member or role")
	}
	_, err = r.store.db.ExecContext(ctx,
		r.store.dialect.insertIgnore+" INTO member_roles (member_id, role_id) VALUES (?, ?)", memberID, roleID)
	return errors.Wrap(err, "[DirectoryRepo.AssignRole]")
}

func (r *DirectoryRepo) SetMemberStatus(ctx context.Context, memberID string, status tenants.MemberStatus) error {
	res, err := r.store.db.ExecContext(ctx, "UPDATE tenant_members SET status = ? WHERE id = ?", string(status), memberID)
	if err != nil {
		return errors.Wrap(err, "[DirectoryRepo.SetMemberStatus]")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[DirectoryRepo.SetMemberStatus]")
	}
	if n == 0 {
		return errors.Wrap(r.memberExists(ctx, memberID), "[DirectoryRepo.SetMemberStatus]")
	}
	return nil
}

// AddToOrganization puts memberID in the named organization of tenantID,
// creating the organization when needed.
func (r *DirectoryRepo) AddToOrganization(ctx context.Context, tenantID, orgName, memberID string) (*tenants.Organization, error) {
	m, err := r.GetMember(ctx, memberID)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization]")
	}
	if m.TenantID != tenantID {
		return nil, errors.Wrap(apperrors.ErrNotFound, "[DirectoryRepo.AddToOrganization] member not in tenant")
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization] begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		r.store.dialect.insertIgnore+" INTO organizations (id, tenant_id, name) VALUES (?, ?, ?)",
		uuid.New().String(), tenantID, orgName); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization] organization")
	}
	org := &tenants.Organization{TenantID: tenantID, Name: orgName}
	if err := tx.QueryRowContext(ctx, "SELECT id FROM organizations WHERE tenant_id = ? AND name = ?",
		tenantID, orgName).Scan(&org.ID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization] organization")
	}
	if _, err := tx.ExecContext(ctx,
		r.store.dialect.insertIgnore+" INTO organization_members (organization_id, member_id) VALUES (?, ?)",
		org.ID, memberID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization] membership")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization] commit")
	}

	if org.MemberIDs, err = r.strings(ctx,
		"SELECT member_id FROM organization_members WHERE organization_id = ? ORDER BY member_id", org.ID); err != nil {
		return nil, errors.Wrap(err, "[DirectoryRepo.AddToOrganization]")
	}
	return org, nil
}

func (r *DirectoryRepo) memberExists(ctx context.Context, memberID string) error {
	var n int
	if err := r.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tenant_members WHERE id = ?", memberID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *DirectoryRepo) roleIDs(ctx context.Context, memberID string) ([]string, error) {
	return r.strings(ctx, "SELECT role_id FROM member_roles WHERE member_id = ? ORDER BY role_id", memberID)
}

// strings runs a single column query. The result is never nil.
func (r *DirectoryRepo) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	return out, closeRows(rows)
}

func insertRole(ctx context.Context, ex execer, role *tenants.Role) error {
	if _, err := ex.ExecContext(ctx, "INSERT INTO tenant_roles (id, tenant_id, code, name) VALUES (?, ?, ?, ?)",
		role.ID, role.TenantID, role.Code, role.Name); err != nil {
		return err
	}
	for _, p := range role.Permissions {
		if _, err := ex.ExecContext(ctx, "INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)", role.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func insertMember(ctx context.Context, ex execer, m *tenants.Member) error {
	_, err := ex.ExecContext(ctx, "INSERT INTO tenant_members ("+memberColumns+") VALUES ("+placeholders(5)+")",
		m.ID, m.TenantID, m.UserID, string(m.Status), toNanos(m.JoinedAt))
	return err
}

func scanMember(s rowScanner) (*tenants.Member, error) {
	var (
		m      tenants.Member
		status string
		joined int64
	)
	if err := s.Scan(&m.ID, &m.TenantID, &m.UserID, &status, &joined); err != nil {
		return nil, err
	}
	m.Status = tenants.MemberStatus(status)
	m.JoinedAt = fromNanos(joined)
	m.RoleIDs = []string{}
	return &m, nil
}

// closeRows closes rows and returns the first iteration or close error.
func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}
