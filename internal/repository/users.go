package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

// UserRepo only reads; account management is handled elsewhere.
type UserRepo struct {
	pool *pgxpool.Pool
}

func (r *UserRepo) GetByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, role, is_active, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, wrapErr(err)
}
