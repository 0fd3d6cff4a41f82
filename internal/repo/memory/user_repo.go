package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Create(_ context.Context, user model.User) (model.User, error) {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" {
		return model.User{}, fmt.Errorf("invalid user payload")
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.usersByMail[email]; ok {
		return model.User{}, repo.ErrConflict
	}

	r.db.nextUserID++
	user.ID = r.db.nextUserID
	user.Email = email
	if user.Role == "" {
		user.Role = enums.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.db.users[user.ID] = user
	r.db.usersByMail[email] = user.ID
	return user, nil
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	id, ok := r.db.usersByMail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return r.db.users[id], nil
}

func (r *UserRepo) GetByID(_ context.Context, userID int64) (model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	user, ok := r.db.users[userID]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return user, nil
}

func (r *UserRepo) Exists(_ context.Context, userID int64) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	_, ok := r.db.users[userID]
	return ok, nil
}
