package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type names a security relevant event.
type Type string

const (
	UserRegistered    Type = "user_registered"
	LoginFailed       Type = "login_failed"
	RefreshTokenReuse Type = "refresh_token_reuse"
	LogoutAll         Type = "logout_all"
	PasswordChanged   Type = "password_changed"
	PasswordReset     Type = "password_reset"
	TenantSwitched    Type = "tenant_switched"
)

// SecurityEvent is published for auditing and alerting. It never carries
// secrets such as tokens or passwords.
type SecurityEvent struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	FamilyID   string            `json:"family_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Details    map[string]string `json:"details,omitempty"`
}

// New returns an event with a fresh id.
func New(t Type, userID, tenantID string, at time.Time) *SecurityEvent {
	return &SecurityEvent{
		ID:         uuid.New().String(),
		Type:       t,
		UserID:     userID,
		TenantID:   tenantID,
		OccurredAt: at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e *SecurityEvent) error
}

// LogPublisher writes events to a zerolog logger.
type LogPublisher struct {
	logger zerolog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e *SecurityEvent) error {
	ev := p.logger.Info()
	if e.Type == RefreshTokenReuse {
		ev = p.logger.Warn()
	}
	ev.Str("event_id", e.ID).
		Str("event", string(e.Type)).
		Str("user_id", e.UserID).
		Str("tenant_id", e.TenantID).
		Str("family_id", e.FamilyID).
		Time("occurred_at", e.OccurredAt).
		Fields(detailFields(e.Details)).
		Msg("security event")
	return nil
}

func detailFields(details map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(details))
	for k, v := range details {
		fields[k] = v
	}
	return fields
}

type fanout []Publisher

// Fanout publishes to every publisher and returns the first error.
func Fanout(publishers ...Publisher) Publisher {
	return fanout(publishers)
}

func (f fanout) Publish(ctx context.Context, e *SecurityEvent) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
