package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-server/credentials"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

var (
	_ credentials.Repo      = (*CredentialRepo)(nil)
	_ credentials.ResetRepo = (*ResetRepo)(nil)
)

type CredentialRepo struct {
	store *Store
}

func NewCredentialRepo(s *Store) *CredentialRepo {
	return &CredentialRepo{store: s}
}

func (r *CredentialRepo) Get(ctx context.Context, userID string) (*credentials.PasswordCredential, error) {
	var (
		c                credentials.PasswordCredential
		created, updated int64
	)
	err := r.store.db.QueryRowContext(ctx,
		"SELECT user_id, hash, algorithm, created_at, updated_at FROM password_credentials WHERE user_id = ?", userID,
	).Scan(&c.UserID, &c.Hash, &c.Algorithm, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, "[CredentialRepo.Get]")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[CredentialRepo.Get]")
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

// Upsert keeps the original created_at when the credential already exists.
func (r *CredentialRepo) Upsert(ctx context.Context, cred *credentials.PasswordCredential) error {
	created := cred.CreatedAt
	if created.IsZero() {
		created = cred.UpdatedAt
	}
	_, err := r.store.db.ExecContext(ctx, r.store.dialect.upsertCredential,
		cred.UserID, cred.Hash, cred.Algorithm, toNanos(created), toNanos(cred.UpdatedAt))
	return errors.Wrap(err, "[CredentialRepo.Upsert]")
}

type ResetRepo struct {
	store *Store
}

func NewResetRepo(s *Store) *ResetRepo {
	return &ResetRepo{store: s}
}

func (r *ResetRepo) Create(ctx context.Context, t *credentials.ResetToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.store.db.ExecContext(ctx,
		"INSERT INTO password_reset_tokens (id, user_id, token_hash, created_at, expires_at, used_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.UserID, t.TokenHash, toNanos(t.CreatedAt), toNanos(t.ExpiresAt), nullNanos(t.UsedAt))
	if isUniqueViolation(err) {
		return errors.Wrap(apperrors.ErrConflict, "[ResetRepo.Create]")
	}
	return errors.Wrap(err, "[ResetRepo.Create]")
}

func (r *ResetRepo) GetByHash(ctx context.Context, hash []byte) (*credentials.ResetToken, error) {
	var (
		t                credentials.ResetToken
		created, expires int64
		used             sql.NullInt64
	)
	err := r.store.db.QueryRowContext(ctx,
		"SELECT id, user_id, token_hash, created_at, expires_at, used_at FROM password_reset_tokens WHERE token_hash = ?", hash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &created, &expires, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, "[ResetRepo.GetByHash]")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[ResetRepo.GetByHash]")
	}
	t.CreatedAt = fromNanos(created)
	t.ExpiresAt = fromNanos(expires)
	t.UsedAt = timeFromNull(used)
	return &t, nil
}

// MarkUsed consumes the token once. A second call returns errors.ErrConflict.
func (r *ResetRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	res, err := r.store.db.ExecContext(ctx,
		"UPDATE password_reset_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL", toNanos(at), id)
	if err != nil {
		return errors.Wrap(err, "[ResetRepo.MarkUsed]")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[ResetRepo.MarkUsed]")
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := r.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM password_reset_tokens WHERE id = ?", id).Scan(&exists); err != nil {
		return errors.Wrap(err, "[ResetRepo.MarkUsed]")
	}
	if exists == 0 {
		return errors.Wrap(apperrors.ErrNotFound, "[ResetRepo.MarkUsed]")
	}
	return errors.Wrap(apperrors.ErrConflict, "[ResetRepo.MarkUsed] already used")
}
