package credentialsrepofake

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-identity-server/credentials"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

var (
	_ credentials.Repo      = (*FakeCredentialRepo)(nil)
	_ credentials.ResetRepo = (*FakeResetRepo)(nil)
)

type FakeCredentialRepo struct {
	creds map[string]credentials.PasswordCredential
	lock  sync.RWMutex
}

func NewFakeCredentialRepo() *FakeCredentialRepo {
	return &FakeCredentialRepo{
		creds: make(map[string]credentials.PasswordCredential),
	}
}

func (r *FakeCredentialRepo) Get(_ context.Context, userID string) (*credentials.PasswordCredential, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	c, ok := r.creds[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &c, nil
}

func (r *FakeCredentialRepo) Upsert(_ context.Context, cred *credentials.PasswordCredential) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, ok := r.creds[cred.UserID]; ok && cred.CreatedAt.IsZero() {
		cred.CreatedAt = existing.CreatedAt
	}
	r.creds[cred.UserID] = *cred
	return nil
}

type FakeResetRepo struct {
	tokens map[string]*credentials.ResetToken
	lock   sync.RWMutex
}

func NewFakeResetRepo() *FakeResetRepo {
	return &FakeResetRepo{
		tokens: make(map[string]*credentials.ResetToken),
	}
}

func (r *FakeResetRepo) Create(_ context.Context, token *credentials.ResetToken) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	for _, t := range r.tokens {
		if bytes.Equal(t.TokenHash, token.TokenHash) {
			return apperrors.ErrConflict
		}
	}
	cp := *token
	r.tokens[token.ID] = &cp
	return nil
}

func (r *FakeResetRepo) GetByHash(_ context.Context, hash []byte) (*credentials.ResetToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, t := range r.tokens {
		if bytes.Equal(t.TokenHash, hash) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *FakeResetRepo) MarkUsed(_ context.Context, id string, at time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if t.UsedAt != nil {
		return apperrors.ErrConflict
	}
	t.UsedAt = &at
	return nil
}
