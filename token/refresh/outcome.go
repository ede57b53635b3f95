package refresh

import (
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token"
)

// Outcome is the closed set of results of a rotation attempt.
type Outcome int

const (
	OutcomeRotated Outcome = iota
	OutcomeNotFound
	OutcomeReuseDetected
	OutcomeExpired
	OutcomeMembershipInactive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRotated:
		return "rotated"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeReuseDetected:
		return "reuse_detected"
	case OutcomeExpired:
		return "expired"
	case OutcomeMembershipInactive:
		return "membership_inactive"
	default:
		return "unknown"
	}
}

// RotateResult carries the outcome of Rotate. Pair and Next are only set when
// Outcome is OutcomeRotated. Presented is nil when the token was not found.
type RotateResult struct {
	Outcome       Outcome
	Pair          *token.Pair
	Next          *StoredRefreshToken
	Presented     *StoredRefreshToken
	FamilyRevoked int
}

// Err maps the outcome onto the error taxonomy. Not found and expired are both
// reported as an invalid token.
func (r *RotateResult) Err() error {
	switch r.Outcome {
	case OutcomeRotated:
		return nil
	case OutcomeReuseDetected:
		return apperrors.ErrTokenReuseDetected
	case OutcomeExpired:
		return apperrors.ErrTokenExpired
	case OutcomeMembershipInactive:
		return apperrors.ErrAccountSuspended
	default:
		return apperrors.ErrTokenInvalid
	}
}
