package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// ErrUserNotFound reports an unknown subject in the directory.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory is the persistent user/role store keyed by subject. Save is
// an upsert that preserves an existing user's role; the very first user ever
// saved is bootstrapped as admin so the deployment starts administrable.
type UserDirectory interface {
	Get(ctx context.Context, subject string) (UserInfo, error)
	Save(ctx context.Context, user UserInfo) error
	UpdateRole(ctx context.Context, subject string, role Role) error
	Delete(ctx context.Context, subject string) error
	ListByRole(ctx context.Context, role Role) ([]UserInfo, error)
	ListAll(ctx context.Context) ([]UserInfo, error)
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	subject          TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	given_name       TEXT NOT NULL DEFAULT '',
	family_name      TEXT NOT NULL DEFAULT '',
	bemsid           TEXT NOT NULL DEFAULT '',
	auth_method      TEXT NOT NULL DEFAULT '',
	authenticated_at TEXT NOT NULL DEFAULT '',
	role             TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
`

// SQLiteDirectory stores users in a local SQLite database.
type SQLiteDirectory struct {
	db *sql.DB
}

// OpenSQLiteDirectory opens (creating if necessary) the users database.
func OpenSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent request handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(usersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init users schema: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

// Close releases the underlying database handle.
func (d *SQLiteDirectory) Close() error { return d.db.Close() }

const userColumns = "subject, name, email, given_name, family_name, bemsid, auth_method, authenticated_at, role"

func scanUser(row interface{ Scan(...any) error }) (UserInfo, error) {
	var u UserInfo
	var role string
	err := row.Scan(&u.Subject, &u.Name, &u.Email, &u.GivenName, &u.FamilyName,
		&u.BemsID, &u.AuthMethod, &u.AuthenticatedAt, &role)
	u.Role = Role(role)
	return u, err
}

// Get returns the user stored under subject.
func (d *SQLiteDirectory) Get(ctx context.Context, subject string) (UserInfo, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE subject = ?", subject)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserInfo{}, ErrUserNotFound
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Save upserts the user's profile. A new user gets RoleNonAdmin, or
// RoleAdmin when the directory is empty; an existing user keeps its stored
// role regardless of what the caller passed.
func (d *SQLiteDirectory) Save(ctx context.Context, user UserInfo) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	var existingRole string
	err = tx.QueryRowContext(ctx, "SELECT role FROM users WHERE subject = ?", user.Subject).Scan(&existingRole)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		role := RoleNonAdmin
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if count == 0 {
			role = RoleAdmin
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO users ("+userColumns+", updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			user.Subject, user.Name, user.Email, user.GivenName, user.FamilyName,
			user.BemsID, user.AuthMethod, user.AuthenticatedAt, string(role), now); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
	case err != nil:
		return fmt.Errorf("save user: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET name = ?, email = ?, given_name = ?, family_name = ?,
				bemsid = ?, auth_method = ?, authenticated_at = ?, updated_at = ?
			 WHERE subject = ?`,
			user.Name, user.Email, user.GivenName, user.FamilyName,
			user.BemsID, user.AuthMethod, user.AuthenticatedAt, now, user.Subject); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// UpdateRole sets the user's role.
func (d *SQLiteDirectory) UpdateRole(ctx context.Context, subject string, role Role) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE users SET role = ?, updated_at = ? WHERE subject = ?",
		string(role), time.Now().UTC().Format(time.RFC3339), subject)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete removes the user.
func (d *SQLiteDirectory) Delete(ctx context.Context, subject string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM users WHERE subject = ?", subject)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListByRole returns all users holding role, ordered by subject.
func (d *SQLiteDirectory) ListByRole(ctx context.Context, role Role) ([]UserInfo, error) {
	return d.list(ctx, "SELECT "+userColumns+" FROM users WHERE role = ? ORDER BY subject", string(role))
}

// ListAll returns every user, ordered by subject.
func (d *SQLiteDirectory) ListAll(ctx context.Context) ([]UserInfo, error) {
	return d.list(ctx, "SELECT "+userColumns+" FROM users ORDER BY subject")
}

func (d *SQLiteDirectory) list(ctx context.Context, query string, args ...any) ([]UserInfo, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []UserInfo{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// MemoryDirectory is an in-process UserDirectory with the same role
// bootstrap semantics as the SQLite one. Used when no database path is
// configured and throughout the tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]UserInfo
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]UserInfo)}
}

// Get returns the user stored under subject.
func (m *MemoryDirectory) Get(ctx context.Context, subject string) (UserInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[subject]
	if !ok {
		return UserInfo{}, ErrUserNotFound
	}
	return u, nil
}

// Save upserts the user, preserving an existing role.
func (m *MemoryDirectory) Save(ctx context.Context, user UserInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.Subject]; ok {
		user.Role = existing.Role
	} else if len(m.users) == 0 {
		user.Role = RoleAdmin
	} else {
		user.Role = RoleNonAdmin
	}
	m.users[user.Subject] = user
	return nil
}

// UpdateRole sets the user's role.
func (m *MemoryDirectory) UpdateRole(ctx context.Context, subject string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[subject]
	if !ok {
		return ErrUserNotFound
	}
	u.Role = role
	m.users[subject] = u
	return nil
}

// Delete removes the user.
func (m *MemoryDirectory) Delete(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[subject]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, subject)
	return nil
}

// ListByRole returns all users holding role, ordered by subject.
func (m *MemoryDirectory) ListByRole(ctx context.Context, role Role) ([]UserInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := []UserInfo{}
	for _, u := range m.users {
		if u.Role == role {
			users = append(users, u)
		}
	}
	sortUsers(users)
	return users, nil
}

// ListAll returns every user, ordered by subject.
func (m *MemoryDirectory) ListAll(ctx context.Context) ([]UserInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]UserInfo, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sortUsers(users)
	return users, nil
}

func sortUsers(users []UserInfo) {
	sort.Slice(users, func(i, j int) bool { return users[i].Subject < users[j].Subject })
}
