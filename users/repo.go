package users

import (
	"context"
	"time"
)

// UserRepo stores users. Emails are stored normalized and are unique; Create
// returns ErrEmailTaken for a duplicate.
type UserRepo interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	SetBlocked(ctx context.Context, id string, blocked bool) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, offset, limit int) ([]*User, error)
}
