package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/users"
)

var _ users.UserRepo = (*UserRepo)(nil)

const userColumns = "id, email, display_name, date_joined, last_login, verified, blocked"

type UserRepo struct {
	store *Store
}

func NewUserRepo(s *Store) *UserRepo {
	return &UserRepo{store: s}
}

// Create assigns an id when user has none. A duplicate email returns errors.ErrEmailTaken.
func (r *UserRepo) Create(ctx context.Context, user *users.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	_, err := r.store.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES ("+placeholders(7)+")",
		user.ID, user.Email, user.DisplayName, toNanos(user.DateJoined), nullNanos(user.LastLogin),
		user.Verified, user.Blocked,
	)
	if isUniqueViolation(err) {
		return errors.Wrap(apperrors.ErrEmailTaken, "[UserRepo.Create]")
	}
	return errors.Wrap(err, "[UserRepo.Create]")
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*users.User, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	return scanUserRow(row, "[UserRepo.GetByEmail]")
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*users.User, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUserRow(row, "[UserRepo.GetByID]")
}

func (r *UserRepo) SetBlocked(ctx context.Context, id string, blocked bool) error {
	return r.updateOne(ctx, "[UserRepo.SetBlocked]", id, "UPDATE users SET blocked = ? WHERE id = ?", blocked)
}

func (r *UserRepo) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, "[UserRepo.SetLastLogin]", id, "UPDATE users SET last_login = ? WHERE id = ?", toNanos(at))
}

// updateOne runs query with value and id as its arguments.
func (r *UserRepo) updateOne(ctx context.Context, op, id, query string, value any) error {
	res, err := r.store.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		// mysql reports 0 for an unchanged row, so check the id exists
		if _, err := r.GetByID(ctx, id); err != nil {
			return errors.Wrap(err, op)
		}
	}
	return nil
}

// List orders users by email. A non-positive limit returns everything from offset.
func (r *UserRepo) List(ctx context.Context, offset, limit int) ([]*users.User, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.store.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY email ASC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "[UserRepo.List]")
	}
	defer rows.Close()

	out := make([]*users.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[UserRepo.List] scan")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "[UserRepo.List]")
}

func scanUserRow(row *sql.Row, op string) (*users.User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(apperrors.ErrNotFound, op)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return u, nil
}

func scanUser(row rowScanner) (*users.User, error) {
	var (
		u         users.User
		joined    int64
		lastLogin sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &joined, &lastLogin, &u.Verified, &u.Blocked); err != nil {
		return nil, err
	}
	u.DateJoined = fromNanos(joined)
	u.LastLogin = timeFromNull(lastLogin)
	return &u, nil
}
