package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

const userColumns = `id, email, name, university, password_hash, role, created_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	if r.pool == nil {
		return model.User{}, fmt.Errorf("postgres pool is nil")
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" || user.PasswordHash == "" {
		return model.User{}, fmt.Errorf("invalid user payload")
	}
	role := string(user.Role)
	if role == "" {
		role = "user"
	}

	var created model.User
	err := pgxscan.Get(ctx, r.pool, &created, `
INSERT INTO users (email, name, university, password_hash, role)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+userColumns, email, user.Name, user.University, user.PasswordHash, role)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, repo.ErrConflict
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *UserRepo) GetByID(ctx context.Context, userID int64) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

func (r *UserRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	if r.pool == nil {
		return model.User{}, fmt.Errorf("postgres pool is nil")
	}

	var user model.User
	if err := pgxscan.Get(ctx, r.pool, &user, query, arg); err != nil {
		if pgxscan.NotFound(err) {
			return model.User{}, repo.ErrNotFound
		}
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *UserRepo) Exists(ctx context.Context, userID int64) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if userID <= 0 {
		return false, errors.New("invalid user id")
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}
