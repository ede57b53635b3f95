package refreshrepofake

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token/refresh"
)

var _ refresh.Repo = (*FakeRefreshTokenRepo)(nil)

type FakeRefreshTokenRepo struct {
	tokens map[string]*refresh.StoredRefreshToken
	lock   sync.RWMutex
}

func NewFakeRefreshTokenRepo() *FakeRefreshTokenRepo {
	return &FakeRefreshTokenRepo{
		tokens: make(map[string]*refresh.StoredRefreshToken),
	}
}

func clone(t *refresh.StoredRefreshToken) *refresh.StoredRefreshToken {
	cp := *t
	cp.TokenHash = append([]byte(nil), t.TokenHash...)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		cp.RevokedAt = &at
	}
	return &cp
}

func (r *FakeRefreshTokenRepo) insert(t *refresh.StoredRefreshToken) error {
	if _, exists := r.tokens[t.ID]; exists {
		return apperrors.ErrConflict
	}
	for _, existing := range r.tokens {
		if bytes.Equal(existing.TokenHash, t.TokenHash) {
			return apperrors.ErrConflict
		}
	}
	r.tokens[t.ID] = clone(t)
	return nil
}

func (r *FakeRefreshTokenRepo) Create(_ context.Context, t *refresh.StoredRefreshToken) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.insert(t)
}

func (r *FakeRefreshTokenRepo) GetByHash(_ context.Context, hash []byte) (*refresh.StoredRefreshToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, t := range r.tokens {
		if bytes.Equal(t.TokenHash, hash) {
			return clone(t), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *FakeRefreshTokenRepo) Rotate(_ context.Context, oldID string, revokedAt time.Time, next *refresh.StoredRefreshToken) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	old, ok := r.tokens[oldID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if old.RevokedAt != nil {
		return apperrors.ErrConflict
	}
	if err := r.insert(next); err != nil {
		return err
	}
	old.RevokedAt = &revokedAt
	old.RevokedReason = refresh.ReasonRotation
	old.ReplacedByID = next.ID
	return nil
}

func (r *FakeRefreshTokenRepo) revokeWhere(match func(*refresh.StoredRefreshToken) bool, reason refresh.RevokeReason, now time.Time) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, t := range r.tokens {
		if t.RevokedAt == nil && match(t) {
			at := now
			t.RevokedAt = &at
			t.RevokedReason = reason
			n++
		}
	}
	return n
}

func (r *FakeRefreshTokenRepo) RevokeFamily(_ context.Context, familyID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(func(t *refresh.StoredRefreshToken) bool {
		return t.FamilyID == familyID
	}, reason, now), nil
}

func (r *FakeRefreshTokenRepo) RevokeForUserInTenant(_ context.Context, userID, tenantID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(func(t *refresh.StoredRefreshToken) bool {
		return t.UserID == userID && t.TenantID == tenantID
	}, reason, now), nil
}

func (r *FakeRefreshTokenRepo) RevokeForUser(_ context.Context, userID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(func(t *refresh.StoredRefreshToken) bool {
		return t.UserID == userID
	}, reason, now), nil
}

func (r *FakeRefreshTokenRepo) ListFamily(_ context.Context, familyID string) ([]*refresh.StoredRefreshToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var out []*refresh.StoredRefreshToken
	for _, t := range r.tokens {
		if t.FamilyID == familyID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}
