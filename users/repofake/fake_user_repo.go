package fakeuserrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/users"
)

var _ users.UserRepo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	users    map[string]*users.User
	emailIds map[string]string // email to user id
	lock     sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users:    make(map[string]*users.User),
		emailIds: make(map[string]string),
	}
}

func (ur *FakeUserRepo) Create(_ context.Context, user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if _, taken := ur.emailIds[user.Email]; taken {
		return apperrors.ErrEmailTaken
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	cp := *user
	ur.users[user.ID] = &cp
	ur.emailIds[user.Email] = user.ID
	return nil
}

func (ur *FakeUserRepo) GetByEmail(_ context.Context, email string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	userID, ok := ur.emailIds[email]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *ur.users[userID]
	return &cp, nil
}

func (ur *FakeUserRepo) GetByID(_ context.Context, id string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	u, ok := ur.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (ur *FakeUserRepo) SetBlocked(_ context.Context, id string, blocked bool) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	u, ok := ur.users[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	u.Blocked = blocked
	return nil
}

func (ur *FakeUserRepo) SetLastLogin(_ context.Context, id string, at time.Time) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	u, ok := ur.users[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	u.LastLogin = &at
	return nil
}

func (ur *FakeUserRepo) List(_ context.Context, offset, limit int) ([]*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	list := make([]*users.User, 0, len(ur.users))
	for _, u := range ur.users {
		cp := *u
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Email < list[j].Email
	})

	if offset >= len(list) {
		return []*users.User{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(list) {
		end = len(list)
	}
	return list[offset:end], nil
}
