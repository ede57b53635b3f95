package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Mailer delivers password reset tokens to users.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, resetToken string, expiresAt time.Time) error
}

// LogMailer records that a reset was requested without delivering anything.
// The token itself is never logged.
type LogMailer struct {
	logger zerolog.Logger
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email, _ string, expiresAt time.Time) error {
	m.logger.Info().Str("email", email).Time("expires_at", expiresAt).Msg("password reset requested; no mail transport configured")
	return nil
}
