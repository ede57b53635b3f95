package credentials

import (
	"unicode"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 256
)

// ValidatePasswordStrength checks if password meets security requirements:
// - Between 8 and 256 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < minPasswordLength {
		return errors.Wrap(apperrors.ErrWeakPassword, "password must be at least 8 characters long")
	}
	if len(password) > maxPasswordLength {
		return errors.Wrap(apperrors.ErrWeakPassword, "password must be at most 256 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return errors.Wrap(apperrors.ErrWeakPassword, "password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.Wrap(apperrors.ErrWeakPassword, "password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.Wrap(apperrors.ErrWeakPassword, "password must contain at least one number")
	}

	return nil
}
