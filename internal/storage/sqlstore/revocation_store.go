package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-server/token"
)

var _ token.RevocationStore = (*RevocationStore)(nil)

// RevocationStore keeps the access token blacklist in the access_token_blacklist table.
type RevocationStore struct {
	store *Store
}

func NewRevocationStore(s *Store) *RevocationStore {
	return &RevocationStore{store: s}
}

// Add inserts entry unless its jti is already present.
func (r *RevocationStore) Add(ctx context.Context, entry *token.BlacklistEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := r.store.db.ExecContext(ctx,
		r.store.dialect.insertIgnore+` INTO access_token_blacklist (id, jti, expires_at, revoked_at, reason, user_id, tenant_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JTI, toNanos(entry.ExpiresAt), toNanos(entry.RevokedAt),
		string(entry.Reason), entry.UserID, entry.TenantID,
	)
	return errors.Wrap(err, "[RevocationStore.Add]")
}

func (r *RevocationStore) IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM access_token_blacklist WHERE jti = ? AND expires_at > ?",
		jti, toNanos(now)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "[RevocationStore.IsRevoked]")
	}
	return n > 0, nil
}

// PurgeExpired deletes entries whose token has expired by now.
func (r *RevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.store.db.ExecContext(ctx, "DELETE FROM access_token_blacklist WHERE expires_at <= ?", toNanos(now))
	if err != nil {
		return 0, errors.Wrap(err, "[RevocationStore.PurgeExpired]")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "[RevocationStore.PurgeExpired]")
}
