package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseStore provides the database operations shared by the SQLite and
// PostgreSQL backends. Queries are written with SQLite-style ? placeholders
// and converted at runtime for PostgreSQL.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
	dsn     string
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// query converts placeholders for the active dialect.
func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

// execContext wraps ExecContext with placeholder conversion.
func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

// queryContext wraps QueryContext with placeholder conversion.
func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

// queryRowContext wraps QueryRowContext with placeholder conversion.
func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// ============================================================================
// User Management Methods
// ============================================================================

// CreateUser creates a new user with a hashed password. A missing ID is
// filled with a fresh UUID.
func (s *BaseStore) CreateUser(ctx context.Context, user *User, rawPassword string) error {
	if user == nil {
		return fmt.Errorf("user required")
	}
	if user.Username == "" {
		return fmt.Errorf("username required")
	}
	if rawPassword == "" {
		return fmt.Errorf("password required")
	}

	hash, err := hashArgon(rawPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err = s.execContext(ctx,
		`INSERT INTO users (id, username, password_hash, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, hash, nullString(user.Email), user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *BaseStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.queryRowContext(ctx,
		`SELECT id, username, password_hash, email, created_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *BaseStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.queryRowContext(ctx,
		`SELECT id, username, password_hash, email, created_at FROM users WHERE username = ?`, username))
}

func (s *BaseStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var email sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	return &u, nil
}

// ListUsers returns all users, newest first. Password hashes are not
// included.
func (s *BaseStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.queryContext(ctx,
		`SELECT id, username, email, created_at FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &email, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		users = append(users, &u)
	}
	return users, rows.Err()
}

// AuthenticateUser verifies username and password, returning the user with
// the hash cleared.
func (s *BaseStore) AuthenticateUser(ctx context.Context, username, rawPassword string) (*User, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	ok, verr := verifyArgonHash(rawPassword, u.PasswordHash)
	if verr != nil {
		return nil, verr
	}
	if !ok {
		return nil, fmt.Errorf("invalid credentials")
	}
	u.PasswordHash = ""
	return u, nil
}

// ============================================================================
// Group Management Methods
// ============================================================================

// CreateGroup creates a messaging group.
func (s *BaseStore) CreateGroup(ctx context.Context, group *Group) error {
	if group == nil {
		return fmt.Errorf("group required")
	}
	if group.Name == "" {
		return fmt.Errorf("group name required")
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}

	_, err := s.execContext(ctx,
		`INSERT INTO groups (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		group.ID, group.Name, nullString(group.OwnerID), group.CreatedAt)
	return err
}

// AddGroupMember adds a user to a group. Re-adding is a no-op.
func (s *BaseStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.execContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		groupID, userID)
	return err
}

// AddGroupPrinter adds a printer to a group. Re-adding is a no-op.
func (s *BaseStore) AddGroupPrinter(ctx context.Context, groupID, printerID string) error {
	_, err := s.execContext(ctx,
		`INSERT INTO group_printers (group_id, printer_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		groupID, printerID)
	return err
}

// CanUserMessagePrinter reports whether the user owns the printer or shares
// at least one group with it.
func (s *BaseStore) CanUserMessagePrinter(ctx context.Context, userID, printerID string) (bool, error) {
	var owned int
	err := s.queryRowContext(ctx, `
		SELECT COUNT(*) FROM printers WHERE id = ? AND owner_id = ?
	`, printerID, userID).Scan(&owned)
	if err != nil {
		return false, err
	}
	if owned > 0 {
		return true, nil
	}

	var shared int
	err = s.queryRowContext(ctx, `
		SELECT COUNT(*)
		FROM group_members gm
		JOIN group_printers gp ON gm.group_id = gp.group_id
		WHERE gm.user_id = ? AND gp.printer_id = ?
	`, userID, printerID).Scan(&shared)
	if err != nil {
		return false, err
	}
	return shared > 0, nil
}
