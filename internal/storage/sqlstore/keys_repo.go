package sqlstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token/keys"
)

var _ keys.Repo = (*KeyRepo)(nil)

const keyColumns = "kid, algorithm, public_key_pem, private_key_encrypted, status, activated_at, rotated_out_at, expires_at, created_at"

// KeyRepo stores signing keys. The one-active rule is enforced by a unique
// index, so a second active key surfaces as errors.ErrConflict.
type KeyRepo struct {
	store *Store
}

func NewKeyRepo(s *Store) *KeyRepo {
	return &KeyRepo{store: s}
}

func (r *KeyRepo) Create(ctx context.Context, key *keys.SigningKey) error {
	_, err := r.store.db.ExecContext(ctx,
		"INSERT INTO signing_keys ("+keyColumns+") VALUES ("+placeholders(9)+")",
		key.KeyID, string(key.Algorithm), key.PublicKeyPEM, key.PrivateKeyEncrypted, string(key.Status),
		nullNanos(key.ActivatedAt), nullNanos(key.RotatedOutAt), toNanos(key.ExpiresAt), toNanos(key.CreatedAt),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(apperrors.ErrConflict, "[KeyRepo.Create] key %s", key.KeyID)
	}
	return errors.Wrap(err, "[KeyRepo.Create]")
}

func (r *KeyRepo) Get(ctx context.Context, keyID string) (*keys.SigningKey, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT "+keyColumns+" FROM signing_keys WHERE kid = ?", keyID)
	return scanKeyRow(row, "[KeyRepo.Get]")
}

func (r *KeyRepo) GetActive(ctx context.Context) (*keys.SigningKey, error) {
	row := r.store.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM signing_keys WHERE status = ? ORDER BY activated_at DESC, kid ASC LIMIT 1",
		string(keys.StatusActive))
	return scanKeyRow(row, "[KeyRepo.GetActive]")
}

func (r *KeyRepo) ListByStatus(ctx context.Context, statuses ...keys.Status) ([]*keys.SigningKey, error) {
	out := make([]*keys.SigningKey, 0)
	if len(statuses) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.store.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM signing_keys WHERE status IN ("+placeholders(len(args))+") ORDER BY created_at DESC, kid ASC",
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "[KeyRepo.ListByStatus]")
	}
	defer rows.Close()
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[KeyRepo.ListByStatus] scan")
		}
		out = append(out, k)
	}
	return out, errors.Wrap(rows.Err(), "[KeyRepo.ListByStatus]")
}

func (r *KeyRepo) Update(ctx context.Context, key *keys.SigningKey, expected keys.Status) error {
	return r.update(ctx, r.store.db, key, expected)
}

// Promote stores the outgoing key first so the unique index never sees two
// active rows.
func (r *KeyRepo) Promote(ctx context.Context, incoming, outgoing *keys.SigningKey) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "[KeyRepo.Promote] begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if outgoing != nil {
		if err := r.update(ctx, tx, outgoing, keys.StatusActive); err != nil {
			return err
		}
	}
	if err := r.update(ctx, tx, incoming, keys.StatusPending); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "[KeyRepo.Promote] commit")
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *KeyRepo) update(ctx context.Context, ex execer, key *keys.SigningKey, expected keys.Status) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE signing_keys SET status = ?, activated_at = ?, rotated_out_at = ?, expires_at = ?
		 WHERE kid = ? AND status = ?`,
		string(key.Status), nullNanos(key.ActivatedAt), nullNanos(key.RotatedOutAt), toNanos(key.ExpiresAt),
		key.KeyID, string(expected),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(apperrors.ErrConflict, "[KeyRepo.Update] another key is active, cannot activate %s", key.KeyID)
	}
	if err != nil {
		return errors.Wrap(err, "[KeyRepo.Update]")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[KeyRepo.Update] rows affected")
	}
	if n == 1 {
		return nil
	}

	var status string
	err = ex.QueryRowContext(ctx, "SELECT status FROM signing_keys WHERE kid = ?", key.KeyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(apperrors.ErrNotFound, "[KeyRepo.Update] key %s", key.KeyID)
	}
	if err != nil {
		return errors.Wrap(err, "[KeyRepo.Update]")
	}
	return errors.Wrapf(apperrors.ErrConflict, "[KeyRepo.Update] key %s is %s, expected %s", key.KeyID, status, expected)
}

func scanKeyRow(row *sql.Row, op string) (*keys.SigningKey, error) {
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, op)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return k, nil
}

func scanKey(row rowScanner) (*keys.SigningKey, error) {
	var (
		k                     keys.SigningKey
		alg, status           string
		activated, rotatedOut sql.NullInt64
		expiresAt, createdAt  int64
	)
	if err := row.Scan(&k.KeyID, &alg, &k.PublicKeyPEM, &k.PrivateKeyEncrypted, &status,
		&activated, &rotatedOut, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	k.Algorithm = keys.Algorithm(alg)
	k.Status = keys.Status(status)
	k.ActivatedAt = timeFromNull(activated)
	k.RotatedOutAt = timeFromNull(rotatedOut)
	k.ExpiresAt = fromNanos(expiresAt)
	k.CreatedAt = fromNanos(createdAt)
	return &k, nil
}
