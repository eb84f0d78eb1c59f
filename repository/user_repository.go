package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. Role defaults to 'customer' if empty.
func (r *UserRepository) Create(ctx context.Context, username, email string, role models.Role) (*models.User, error) {
	if role == "" {
		role = models.RoleCustomer
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO users (username, email, role) VALUES (?,?,?)`,
		username, email, string(role))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u models.User
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT id, username, email, role, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u models.User
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT id, username, email, role, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Email, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

// ListByRoles returns users with any of the given roles, ordered by id.
// Used to notify every admin and manager after a route optimization.
func (r *UserRepository) ListByRoles(ctx context.Context, roles ...models.Role) ([]models.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, username, email, role, created_at FROM users WHERE role IN (`
	args := make([]any, len(roles))
	for i, role := range roles {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = string(role)
	}
	query += `) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRows(rows)
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, username, email, role, created_at FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRows(rows)
}

// UpdateRole sets the role for the given user. Role changes are restricted to
// admin callers at the service layer.
func (r *UserRepository) UpdateRole(ctx context.Context, id int64, role models.Role) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	return err
}

func scanUserRows(rows *sql.Rows) ([]models.User, error) {
	var out []models.User
	for rows.Next() {
		var u models.User
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = models.Role(role)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
