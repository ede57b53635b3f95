package authmodel

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`

	// TenantID selects the membership the session is bound to.
	// Required: No (defaults to the user's oldest active membership)
	// Validated against: the user must be an active member of this tenant
	TenantID string `json:"tenant_id,omitempty"`

	// DeviceID is an opaque client identifier carried along refresh rotations.
	// Required: No
	DeviceID string `json:"device_id,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	// RefreshToken is rotated on every use, the old value is invalid afterwards.
	RefreshToken string `json:"refresh_token"`
}

// SwitchTenantRequest is the body of POST /auth/switch-tenant. The access
// token travels in the Authorization header.
type SwitchTenantRequest struct {
	TenantID     string `json:"tenant_id"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
}

// LogoutRequest is the body of POST /auth/logout. It may be empty.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type CreateTenantRequest struct {
	Name string `json:"name"`
}

// Validate checks for required fields before the request reaches the service.
func (r RegisterRequest) Validate() error {
	return required(map[string]string{"email": r.Email, "password": r.Password})
}

func (r LoginRequest) Validate() error {
	return required(map[string]string{"email": r.Email, "password": r.Password})
}

func (r RefreshRequest) Validate() error {
	return required(map[string]string{"refresh_token": r.RefreshToken})
}

func (r SwitchTenantRequest) Validate() error {
	return required(map[string]string{"tenant_id": r.TenantID})
}

func (r ChangePasswordRequest) Validate() error {
	return required(map[string]string{"current_password": r.CurrentPassword, "new_password": r.NewPassword})
}

func (r ForgotPasswordRequest) Validate() error {
	return required(map[string]string{"email": r.Email})
}

func (r ResetPasswordRequest) Validate() error {
	return required(map[string]string{"token": r.Token, "new_password": r.NewPassword})
}

func (r CreateTenantRequest) Validate() error {
	return required(map[string]string{"name": r.Name})
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errors.Wrapf(apperrors.ErrInvalidRequest, "missing %s", strings.Join(missing, ", "))
}

// Validate accepts an empty logout body.
func (r LogoutRequest) Validate() error {
	return nil
}
