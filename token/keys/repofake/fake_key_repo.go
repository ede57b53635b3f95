package keysrepofake

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token/keys"
)

var _ keys.Repo = (*FakeKeyRepo)(nil)

// FakeKeyRepo keeps keys in memory and enforces the single active key rule
// the way a partial unique index would.
type FakeKeyRepo struct {
	keys map[string]keys.SigningKey
	lock sync.RWMutex
}

func NewFakeKeyRepo() *FakeKeyRepo {
	return &FakeKeyRepo{
		keys: make(map[string]keys.SigningKey),
	}
}

func (r *FakeKeyRepo) Create(_ context.Context, key *keys.SigningKey) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.keys[key.KeyID]; ok {
		return apperrors.ErrConflict
	}
	if key.Status == keys.StatusActive && r.activeExcept("") {
		return apperrors.ErrConflict
	}
	r.keys[key.KeyID] = clone(key)
	return nil
}

func (r *FakeKeyRepo) Get(_ context.Context, keyID string) (*keys.SigningKey, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := clone(&k)
	return &c, nil
}

func (r *FakeKeyRepo) GetActive(_ context.Context) (*keys.SigningKey, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var found *keys.SigningKey
	for _, k := range r.keys {
		if k.Status != keys.StatusActive {
			continue
		}
		if found == nil || (k.ActivatedAt != nil && found.ActivatedAt != nil && k.ActivatedAt.After(*found.ActivatedAt)) {
			c := clone(&k)
			found = &c
		}
	}
	if found == nil {
		return nil, apperrors.ErrNotFound
	}
	return found, nil
}

func (r *FakeKeyRepo) ListByStatus(_ context.Context, statuses ...keys.Status) ([]*keys.SigningKey, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]*keys.SigningKey, 0)
	for _, k := range r.keys {
		for _, s := range statuses {
			if k.Status == s {
				c := clone(&k)
				out = append(out, &c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].KeyID < out[j].KeyID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *FakeKeyRepo) Update(_ context.Context, key *keys.SigningKey, expected keys.Status) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.update(key, expected)
}

func (r *FakeKeyRepo) Promote(_ context.Context, incoming, outgoing *keys.SigningKey) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	snapshot := make(map[string]keys.SigningKey, len(r.keys))
	for id, k := range r.keys {
		snapshot[id] = k
	}
	if outgoing != nil {
		if err := r.update(outgoing, keys.StatusActive); err != nil {
			return err
		}
	}
	if err := r.update(incoming, keys.StatusPending); err != nil {
		r.keys = snapshot
		return err
	}
	return nil
}

func (r *FakeKeyRepo) update(key *keys.SigningKey, expected keys.Status) error {
	stored, ok := r.keys[key.KeyID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if stored.Status != expected {
		return apperrors.ErrConflict
	}
	if key.Status == keys.StatusActive && r.activeExcept(key.KeyID) {
		return apperrors.ErrConflict
	}
	r.keys[key.KeyID] = clone(key)
	return nil
}

// activeExcept reports whether a key other than keyID is active. Caller holds the lock.
func (r *FakeKeyRepo) activeExcept(keyID string) bool {
	for id, k := range r.keys {
		if id != keyID && k.Status == keys.StatusActive {
			return true
		}
	}
	return false
}

// CountActive is a test helper.
func (r *FakeKeyRepo) CountActive() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	n := 0
	for _, k := range r.keys {
		if k.Status == keys.StatusActive {
			n++
		}
	}
	return n
}

func clone(k *keys.SigningKey) keys.SigningKey {
	c := *k
	c.PrivateKeyEncrypted = append([]byte(nil), k.PrivateKeyEncrypted...)
	if k.ActivatedAt != nil {
		t := *k.ActivatedAt
		c.ActivatedAt = &t
	}
	if k.RotatedOutAt != nil {
		t := *k.RotatedOutAt
		c.RotatedOutAt = &t
	}
	return c
}
