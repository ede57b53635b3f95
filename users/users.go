package users

import (
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

type User struct {
	ID          string     `json:"id,omitempty"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	DateJoined  time.Time  `json:"date_joined,omitempty"`
	LastLogin   *time.Time `json:"last_login,omitempty"`

	Verified bool `json:"verified,omitempty"` // Verified, has the user confirmed their email
	Blocked  bool `json:"blocked,omitempty"`  // Blocked, has the user been blocked from logging in
}

// NormalizeEmail lowercases and trims an address so lookups are case insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a bare address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.Wrapf(apperrors.ErrInvalidRequest, "invalid email %q", email)
	}
	return nil
}

func (u *User) CanLogin() bool {
	return !u.Blocked
}
