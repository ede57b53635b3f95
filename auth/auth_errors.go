package auth

import (
	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

var (
	ErrTenantProvisioningDisabled = errors.Wrap(apperrors.ErrInvalidRequest, "tenant provisioning is not enabled")
	ErrRefreshTokenNotOwned       = errors.Wrap(apperrors.ErrTokenInvalid, "refresh token belongs to another user")
)
