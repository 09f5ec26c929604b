// Package store persists users.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"auditlog/internal/users/models"
	"auditlog/pkg/platform/sentinel"
)

//go:embed schema.sql
var Schema string

// columns maps attribute names to column names.
var columns = map[string]string{
	models.FieldName:      "name",
	models.FieldEmail:     "email",
	models.FieldAgreedTos: "agreed_tos",
}

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the users table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply users schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	var (
		u     models.User
		name  sql.NullString
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, agreed_tos FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &name, &email, &u.AgreedTos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if name.Valid {
		u.Name = &name.String
	}
	if email.Valid {
		u.Email = &email.String
	}
	return &u, nil
}

func (s *PostgresStore) Create(ctx context.Context, u *models.User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, agreed_tos) VALUES ($1, $2, $3) RETURNING id`,
		u.Name, u.Email, u.AgreedTos,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// Update writes only the given attributes of u.
func (s *PostgresStore) Update(ctx context.Context, u *models.User, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	values := map[string]any{
		models.FieldName:      u.Name,
		models.FieldEmail:     u.Email,
		models.FieldAgreedTos: u.AgreedTos,
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		col, ok := columns[f]
		if !ok {
			return fmt.Errorf("update user: unknown field %q", f)
		}
		args = append(args, values[f])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, u.ID)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Delete removes the user and reports whether a row was removed.
func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return n > 0, nil
}
