package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token/refresh"
)

var _ refresh.Repo = (*RefreshRepo)(nil)

const refreshColumns = `id, token_hash, family_id, generation, user_id, tenant_id, member_id, device_id, ip_address,
	issued_at, expires_at, absolute_expires_at, revoked_at, revoked_reason, replaced_by_id`

// RefreshRepo stores refresh token generations. Rows are revoked, never deleted.
type RefreshRepo struct {
	store *Store
}

func NewRefreshRepo(s *Store) *RefreshRepo {
	return &RefreshRepo{store: s}
}

func (r *RefreshRepo) Create(ctx context.Context, t *refresh.StoredRefreshToken) error {
	return insertRefresh(ctx, r.store.db, t, "[RefreshRepo.Create]")
}

func insertRefresh(ctx context.Context, ex execer, t *refresh.StoredRefreshToken, op string) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO refresh_tokens ("+refreshColumns+") VALUES ("+placeholders(15)+")",
		t.ID, t.TokenHash, t.FamilyID, t.Generation, t.UserID, t.TenantID, t.MemberID,
		t.Client.DeviceID, t.Client.IPAddress,
		toNanos(t.IssuedAt), toNanos(t.ExpiresAt), toNanos(t.AbsoluteExpiresAt),
		nullNanos(t.RevokedAt), string(t.RevokedReason), t.ReplacedByID,
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(apperrors.ErrConflict, "%s token %s", op, t.ID)
	}
	return errors.Wrap(err, op)
}

func (r *RefreshRepo) GetByHash(ctx context.Context, hash []byte) (*refresh.StoredRefreshToken, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT "+refreshColumns+" FROM refresh_tokens WHERE token_hash = ?", hash)
	t, err := scanRefresh(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, "[RefreshRepo.GetByHash]")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshRepo.GetByHash]")
	}
	return t, nil
}

// Rotate revokes oldID with a compare-and-swap on revoked_at and inserts next
// in the same transaction. Of two concurrent rotations of one row only the
// first sees an affected row; the other gets errors.ErrConflict.
func (r *RefreshRepo) Rotate(ctx context.Context, oldID string, revokedAt time.Time, next *refresh.StoredRefreshToken) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "[RefreshRepo.Rotate] begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, revoked_reason = ?, replaced_by_id = ?
		 WHERE id = ? AND revoked_at IS NULL`,
		toNanos(revokedAt), string(refresh.ReasonRotation), next.ID, oldID,
	)
	if err != nil {
		return errors.Wrap(err, "[RefreshRepo.Rotate] revoking old token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[RefreshRepo.Rotate] rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM refresh_tokens WHERE id = ?", oldID).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "[RefreshRepo.Rotate]")
		}
		if exists == 0 {
			return errors.Wrapf(apperrors.ErrNotFound, "[RefreshRepo.Rotate] token %s", oldID)
		}
		return errors.Wrapf(apperrors.ErrConflict, "[RefreshRepo.Rotate] token %s already revoked", oldID)
	}

	if err := insertRefresh(ctx, tx, next, "[RefreshRepo.Rotate]"); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "[RefreshRepo.Rotate] commit")
}

func (r *RefreshRepo) revokeWhere(ctx context.Context, op, where string, reason refresh.RevokeReason, now time.Time, args ...any) (int, error) {
	all := append([]any{toNanos(now), string(reason)}, args...)
	res, err := r.store.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ?, revoked_reason = ? WHERE revoked_at IS NULL AND "+where,
		all...)
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	return int(n), nil
}

func (r *RefreshRepo) RevokeFamily(ctx context.Context, familyID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(ctx, "[RefreshRepo.RevokeFamily]", "family_id = ?", reason, now, familyID)
}

func (r *RefreshRepo) RevokeForUserInTenant(ctx context.Context, userID, tenantID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(ctx, "[RefreshRepo.RevokeForUserInTenant]", "user_id = ? AND tenant_id = ?", reason, now, userID, tenantID)
}

func (r *RefreshRepo) RevokeForUser(ctx context.Context, userID string, reason refresh.RevokeReason, now time.Time) (int, error) {
	return r.revokeWhere(ctx, "[RefreshRepo.RevokeForUser]", "user_id = ?", reason, now, userID)
}

func (r *RefreshRepo) ListFamily(ctx context.Context, familyID string) ([]*refresh.StoredRefreshToken, error) {
	rows, err := r.store.db.QueryContext(ctx,
		"SELECT "+refreshColumns+" FROM refresh_tokens WHERE family_id = ? ORDER BY generation ASC", familyID)
	if err != nil {
		return nil, errors.Wrap(err, "[RefreshRepo.ListFamily]")
	}
	defer rows.Close()

	var out []*refresh.StoredRefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[RefreshRepo.ListFamily] scan")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "[RefreshRepo.ListFamily]")
}

func scanRefresh(row rowScanner) (*refresh.StoredRefreshToken, error) {
	var (
		t                         refresh.StoredRefreshToken
		issued, expires, absolute int64
		revokedAt                 sql.NullInt64
		reason                    string
	)
	if err := row.Scan(&t.ID, &t.TokenHash, &t.FamilyID, &t.Generation, &t.UserID, &t.TenantID, &t.MemberID,
		&t.Client.DeviceID, &t.Client.IPAddress, &issued, &expires, &absolute, &revokedAt, &reason, &t.ReplacedByID); err != nil {
		return nil, err
	}
	t.IssuedAt = fromNanos(issued)
	t.ExpiresAt = fromNanos(expires)
	t.AbsoluteExpiresAt = fromNanos(absolute)
	t.RevokedAt = timeFromNull(revokedAt)
	t.RevokedReason = refresh.RevokeReason(reason)
	return &t, nil
}
