package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/token/keys/keycrypt"
)

const (
	DefaultKeyLifetime = 90 * 24 * time.Hour
	DefaultCacheTTL    = 30 * time.Second

	// minVerificationRefresh bounds how often an unknown kid reloads the
	// verification set from storage.
	minVerificationRefresh = time.Second
	// flightTimeout caps a shared storage load, which outlives its callers' contexts.
	flightTimeout = 10 * time.Second
)

type ManagerOption func(*Manager)

func WithAlgorithm(alg Algorithm) ManagerOption {
	return func(m *Manager) {
		m.algorithm = alg
	}
}

func WithKeyLifetime(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lifetime = d
	}
}

// WithCacheTTL sets how long the active key and verification set are served
// from memory. Zero disables caching.
func WithCacheTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cacheTTL = d
	}
}

func WithEncryption(p keycrypt.Provider) ManagerOption {
	return func(m *Manager) {
		m.crypt = p
	}
}

func WithNowFunc(f func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = f
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

type activeEntry struct {
	key   *SigningKey
	pair  *KeyPair
	until time.Time
}

type verificationEntry struct {
	keys     []*SigningKey
	pairs    []*KeyPair
	loadedAt time.Time
	until    time.Time
}

// Manager owns the signing key lifecycle. The active key is resolved from
// storage per request and fronted by a short TTL cache that every transition
// made through the manager invalidates. Each cache has a generation bumped on
// invalidation; a load started under an older generation is returned to its
// callers but never cached.
type Manager struct {
	repo      Repo
	crypt     keycrypt.Provider
	algorithm Algorithm
	lifetime  time.Duration
	cacheTTL  time.Duration
	nowFunc   func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	group           singleflight.Group
	mu              sync.RWMutex
	active          *activeEntry
	activeGen       uint64
	verification    *verificationEntry
	verificationGen uint64
}

func NewManager(repo Repo, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:      repo,
		crypt:     keycrypt.Plaintext{},
		algorithm: ES256,
		lifetime:  DefaultKeyLifetime,
		cacheTTL:  DefaultCacheTTL,
		nowFunc:   time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateActiveKey returns the active key, lazily creating one when none
// exists. Concurrent first callers in this process share one creation; callers
// in other processes lose on the repo's single-active constraint and re-read.
func (m *Manager) GetOrCreateActiveKey(ctx context.Context) (*SigningKey, error) {
	entry, err := m.activeKey(ctx)
	if err != nil {
		return nil, err
	}
	return entry.key, nil
}

// ActiveKeyPair returns the decrypted active key for signing.
func (m *Manager) ActiveKeyPair(ctx context.Context) (*KeyPair, error) {
	entry, err := m.activeKey(ctx)
	if err != nil {
		return nil, err
	}
	return entry.pair, nil
}

func (m *Manager) activeKey(ctx context.Context) (*activeEntry, error) {
	now := m.nowFunc()
	m.mu.RLock()
	cached, gen := m.active, m.activeGen
	m.mu.RUnlock()
	if cached != nil && now.Before(cached.until) {
		return cached, nil
	}

	v, err := m.share(ctx, fmt.Sprintf("active:%d", gen), func(ctx context.Context) (interface{}, error) {
		return m.loadOrCreateActive(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*activeEntry), nil
}

// share runs fn once for all concurrent callers of key. fn gets a context
// detached from any single caller; each caller stops waiting when its own
// context ends.
func (m *Manager) share(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return fn(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[Manager] waiting for %s", key)
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (m *Manager) loadOrCreateActive(ctx context.Context, gen uint64) (*activeEntry, error) {
	key, err := m.repo.GetActive(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotFound):
		key, err = m.createActive(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, keyFailure("Manager.GetOrCreateActiveKey", err)
	}

	now := m.nowFunc()
	if !now.Before(key.ExpiresAt) {
		m.logger.Warn().Str("kid", key.KeyID).Time("expires_at", key.ExpiresAt).Msg("active signing key is past its expiry; rotation overdue")
	}

	pair, err := m.decryptPair(ctx, key)
	if err != nil {
		return nil, keyFailure("Manager.GetOrCreateActiveKey", err)
	}

	entry := &activeEntry{key: key, pair: pair, until: now.Add(m.cacheTTL)}
	m.mu.Lock()
	if m.activeGen == gen {
		m.active = entry
	}
	if m.verification == nil || !m.verification.contains(key.KeyID) {
		// a token signed with this key must verify immediately
		m.verification = nil
		m.verificationGen++
	}
	m.mu.Unlock()
	return entry, nil
}

func (e *verificationEntry) contains(keyID string) bool {
	for _, k := range e.keys {
		if k.KeyID == keyID {
			return true
		}
	}
	return false
}

func (m *Manager) createActive(ctx context.Context) (*SigningKey, error) {
	key, err := m.newKey(ctx, StatusActive)
	if err != nil {
		return nil, keyFailure("Manager.createActive", err)
	}

	err = m.repo.Create(ctx, key)
	if errors.Is(err, apperrors.ErrConflict) {
		// another instance activated a key first
		existing, getErr := m.repo.GetActive(ctx)
		if getErr != nil {
			return nil, keyFailure("Manager.createActive", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, keyFailure("Manager.createActive", err)
	}

	m.metrics.KeyEvent("created")
	m.logger.Info().Str("kid", key.KeyID).Str("alg", string(key.Algorithm)).Msg("created active signing key")
	return key, nil
}

// CreatePendingKey generates and stores a key that does not sign or verify until activated.
func (m *Manager) CreatePendingKey(ctx context.Context) (*SigningKey, error) {
	key, err := m.newKey(ctx, StatusPending)
	if err != nil {
		return nil, keyFailure("Manager.CreatePendingKey", err)
	}
	if err := m.repo.Create(ctx, key); err != nil {
		return nil, keyFailure("Manager.CreatePendingKey", err)
	}
	m.metrics.KeyEvent("created")
	return key, nil
}

func (m *Manager) newKey(ctx context.Context, status Status) (*SigningKey, error) {
	now := m.nowFunc()
	pair, err := GenerateKeyPair(m.algorithm, uuid.New().String())
	if err != nil {
		return nil, err
	}
	publicPEM, err := pair.ExportPublicKeyPEM()
	if err != nil {
		return nil, err
	}
	privatePEM, err := pair.ExportPrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	sealed, err := m.crypt.Encrypt(ctx, privatePEM)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting private key")
	}

	key := &SigningKey{
		KeyID:               pair.KeyID,
		Algorithm:           pair.Algorithm,
		PublicKeyPEM:        publicPEM,
		PrivateKeyEncrypted: sealed,
		Status:              StatusPending,
		ExpiresAt:           now.Add(m.lifetime),
		CreatedAt:           now,
	}
	if status == StatusActive {
		if err := key.Activate(now); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// GetVerificationKeySet returns every key that may verify tokens: active and rotate_out.
func (m *Manager) GetVerificationKeySet(ctx context.Context) ([]*SigningKey, error) {
	entry, err := m.verificationSet(ctx)
	if err != nil {
		return nil, err
	}
	return entry.keys, nil
}

// VerificationKeyPairs returns the public halves of the verification set.
func (m *Manager) VerificationKeyPairs(ctx context.Context) ([]*KeyPair, error) {
	entry, err := m.verificationSet(ctx)
	if err != nil {
		return nil, err
	}
	return entry.pairs, nil
}

// VerificationKeyPairsFor returns the verification set for a token whose kid
// header is keyID. When the cached set has no such key it is reloaded from
// storage, since another instance may have rotated a new key in. Reloads for
// unknown kids happen at most once per second.
func (m *Manager) VerificationKeyPairsFor(ctx context.Context, keyID string) ([]*KeyPair, error) {
	entry, err := m.verificationSet(ctx)
	if err != nil {
		return nil, err
	}
	if keyID == "" || entry.contains(keyID) || m.nowFunc().Sub(entry.loadedAt) < minVerificationRefresh {
		return entry.pairs, nil
	}

	m.mu.Lock()
	if m.verification == entry {
		m.verification = nil
		m.verificationGen++
	}
	m.mu.Unlock()

	if entry, err = m.verificationSet(ctx); err != nil {
		return nil, err
	}
	return entry.pairs, nil
}

func (m *Manager) verificationSet(ctx context.Context) (*verificationEntry, error) {
	now := m.nowFunc()
	m.mu.RLock()
	cached, gen := m.verification, m.verificationGen
	m.mu.RUnlock()
	if cached != nil && now.Before(cached.until) {
		return cached, nil
	}

	v, err := m.share(ctx, fmt.Sprintf("verification:%d", gen), func(ctx context.Context) (interface{}, error) {
		list, err := m.repo.ListByStatus(ctx, StatusActive, StatusRotateOut)
		if err != nil {
			return nil, keyFailure("Manager.GetVerificationKeySet", err)
		}
		pairs := make([]*KeyPair, 0, len(list))
		for _, k := range list {
			pub, err := LoadPublicKeyPEM(k.PublicKeyPEM)
			if err != nil {
				return nil, keyFailure("Manager.GetVerificationKeySet", errors.Wrapf(err, "key %s", k.KeyID))
			}
			pairs = append(pairs, &KeyPair{KeyID: k.KeyID, PublicKey: pub, Algorithm: k.Algorithm})
		}
		entry := &verificationEntry{keys: list, pairs: pairs, loadedAt: now, until: now.Add(m.cacheTTL)}
		m.mu.Lock()
		if m.verificationGen == gen {
			m.verification = entry
		}
		m.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*verificationEntry), nil
}

// Activate promotes a pending key. It fails with ErrConflict while another key is active.
func (m *Manager) Activate(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, "activated", func(k *SigningKey, now time.Time) (bool, error) {
		return true, k.Activate(now)
	})
}

// RotateOut stops an active key from signing while keeping it for verification.
func (m *Manager) RotateOut(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, "rotated_out", func(k *SigningKey, now time.Time) (bool, error) {
		return true, k.RotateOut(now)
	})
}

// Expire retires a key from any state. Expiring an expired key is a no-op.
func (m *Manager) Expire(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, "expired", func(k *SigningKey, now time.Time) (bool, error) {
		return k.Expire(now), nil
	})
}

func (m *Manager) transition(ctx context.Context, keyID, event string, apply func(*SigningKey, time.Time) (bool, error)) error {
	key, err := m.repo.Get(ctx, keyID)
	if err != nil {
		return errors.Wrapf(err, "[Manager.%s] key %s", event, keyID)
	}
	expected := key.Status
	changed, err := apply(key, m.nowFunc())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := m.repo.Update(ctx, key, expected); err != nil {
		return errors.Wrapf(err, "[Manager.%s] key %s", event, keyID)
	}
	m.InvalidateCache()
	m.metrics.KeyEvent(event)
	m.logger.Info().Str("kid", keyID).Str("status", string(key.Status)).Msg("signing key transition")
	return nil
}

// Rotate creates a new key and, in one transaction, activates it and moves the
// current active key (if any) to rotate_out. Tokens signed by the old key keep
// verifying until it is expired.
func (m *Manager) Rotate(ctx context.Context) (*SigningKey, error) {
	outgoing, err := m.repo.GetActive(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotFound):
		outgoing = nil
	default:
		return nil, keyFailure("Manager.Rotate", err)
	}
	return m.rotateFrom(ctx, outgoing)
}

// rotateFrom replaces outgoing, which must still be the active key when the
// promotion commits; otherwise it fails with ErrConflict.
func (m *Manager) rotateFrom(ctx context.Context, outgoing *SigningKey) (*SigningKey, error) {
	incoming, err := m.CreatePendingKey(ctx)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	if outgoing != nil {
		if err := outgoing.RotateOut(now); err != nil {
			return nil, err
		}
	}
	if err := incoming.Activate(now); err != nil {
		return nil, err
	}
	if err := m.repo.Promote(ctx, incoming, outgoing); err != nil {
		if expErr := m.Expire(ctx, incoming.KeyID); expErr != nil {
			m.logger.Err(expErr).Str("kid", incoming.KeyID).Msg("failed to expire unpromoted signing key")
		}
		return nil, keyFailure("Manager.Rotate", err)
	}
	m.InvalidateCache()
	m.metrics.KeyEvent("rotated")

	evt := m.logger.Info().Str("kid", incoming.KeyID)
	if outgoing != nil {
		evt = evt.Str("previous_kid", outgoing.KeyID)
	}
	evt.Msg("rotated signing key")
	return incoming, nil
}

// RotateIfDue rotates when the active key expires within overlap and returns
// the new key, or nil when no rotation was needed. overlap must cover the
// longest lifetime of a token the outgoing key signs, so the outgoing key
// still verifies until those tokens expire. A rotation lost to another
// instance is not an error.
func (m *Manager) RotateIfDue(ctx context.Context, overlap time.Duration) (*SigningKey, error) {
	active, err := m.repo.GetActive(ctx)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, keyFailure("Manager.RotateIfDue", err)
	}
	if m.nowFunc().Before(active.ExpiresAt.Add(-overlap)) {
		return nil, nil
	}

	incoming, err := m.rotateFrom(ctx, active)
	if errors.Is(err, apperrors.ErrConflict) {
		m.InvalidateCache()
		return nil, nil
	}
	return incoming, err
}

// ExpireRotatedOut expires rotate_out keys whose expiry has passed and returns how many were expired.
func (m *Manager) ExpireRotatedOut(ctx context.Context) (int, error) {
	list, err := m.repo.ListByStatus(ctx, StatusRotateOut)
	if err != nil {
		return 0, keyFailure("Manager.ExpireRotatedOut", err)
	}
	now := m.nowFunc()
	n := 0
	for _, k := range list {
		if now.Before(k.ExpiresAt) {
			continue
		}
		if err := m.Expire(ctx, k.KeyID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// InvalidateCache drops the cached active key and verification set.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	m.active = nil
	m.activeGen++
	m.verification = nil
	m.verificationGen++
	m.mu.Unlock()
}

func (m *Manager) decryptPair(ctx context.Context, key *SigningKey) (*KeyPair, error) {
	privatePEM, err := m.crypt.Decrypt(ctx, key.PrivateKeyEncrypted)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypting key %s", key.KeyID)
	}
	private, err := LoadPrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, errors.Wrapf(err, "key %s", key.KeyID)
	}
	public, err := LoadPublicKeyPEM(key.PublicKeyPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "key %s", key.KeyID)
	}
	return &KeyPair{
		KeyID:      key.KeyID,
		PrivateKey: private,
		PublicKey:  public,
		Algorithm:  key.Algorithm,
	}, nil
}

func keyFailure(op string, err error) error {
	return fmt.Errorf("[%s] %w: %w", op, apperrors.ErrKeyManagement, err)
}
