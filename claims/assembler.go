package claims

import (
	"context"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/internal/utils"
	"github.com/jrsteele09/go-identity-server/tenants"
	"github.com/jrsteele09/go-identity-server/token"
)

// ErrMembershipInactive is returned for a membership that is missing, not
// active, or does not belong to the given user and tenant.
var ErrMembershipInactive = apperrors.Wrapf(apperrors.ErrAccountSuspended, "membership inactive")

// Assembler computes token claims from the current directory state. Nothing is
// cached between calls.
type Assembler struct {
	dir tenants.Directory
}

func NewAssembler(dir tenants.Directory) *Assembler {
	return &Assembler{dir: dir}
}

// UserOnly returns claims for a user with no tenant context.
func UserOnly(userID string) *token.Claims {
	return &token.Claims{
		UserID:          userID,
		OrganizationIDs: []string{},
		Roles:           []string{},
		Permissions:     []string{},
	}
}

func (a *Assembler) Assemble(ctx context.Context, userID, tenantID, memberID string) (*token.Claims, error) {
	member, err := a.dir.GetMember(ctx, memberID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, ErrMembershipInactive
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[Assembler.Assemble] loading member %s", memberID)
	}
	if member.UserID != userID || member.TenantID != tenantID || !member.IsActive() {
		return nil, ErrMembershipInactive
	}
	return a.ForMember(ctx, member)
}

// ForMember computes claims for an already loaded active member.
func (a *Assembler) ForMember(ctx context.Context, member *tenants.Member) (*token.Claims, error) {
	if !member.IsActive() {
		return nil, ErrMembershipInactive
	}

	roles, err := a.dir.RolesForMember(ctx, member.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "[Assembler.ForMember] loading roles for %s", member.ID)
	}
	var codes, permissions []string
	for _, r := range roles {
		codes = append(codes, r.Code)
		permissions = append(permissions, r.Permissions...)
	}

	orgIDs, err := a.dir.OrganizationIDsForMember(ctx, member.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "[Assembler.ForMember] loading organizations for %s", member.ID)
	}

	return &token.Claims{
		UserID:          member.UserID,
		TenantID:        member.TenantID,
		MemberID:        member.ID,
		OrganizationIDs: utils.DistinctSorted(orgIDs),
		Roles:           utils.DistinctSorted(codes),
		Permissions:     utils.DistinctSorted(permissions),
	}, nil
}
