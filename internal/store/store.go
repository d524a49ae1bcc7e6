// Package store provides SQLite-backed persistence for the SOCKS5 proxy's
// user/password table, an alternative to the flat auth.file for
// deployments that manage users through internal/api instead of editing a
// file on disk. The schema is migration-managed and carries a version
// counter bumped by triggers on every write, so internal/cluster's
// primary/secondary sync can tell at a glance whether its local table is
// stale.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/hev-proxy/socks5d/internal/authstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite connection holding the user table, with a mutex
// covering the read-modify-write User operations the admin API exposes.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database at path, running migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) runMigrations() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

// Version returns the current store version, bumped by a trigger on every
// insert/update/delete to the users table.
func (db *DB) Version(ctx context.Context) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var version int64
	err := db.conn.QueryRowContext(ctx, "SELECT version FROM store_version WHERE id = 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: version: %w", err)
	}
	return version, nil
}

// Health checks database connectivity.
func (db *DB) Health() error {
	return db.conn.Ping()
}

// Users returns every registered user.
func (db *DB) Users(ctx context.Context) ([]authstore.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, "SELECT name, password, mark FROM users ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: query users: %w", err)
	}
	defer rows.Close()

	var users []authstore.User
	for rows.Next() {
		var u authstore.User
		if err := rows.Scan(&u.Name, &u.Password, &u.Mark); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}
	return users, nil
}

// LoadStore builds an authstore.Store from every persisted user, for
// publishing to the proxy's authstore.Handle on startup and reload.
func (db *DB) LoadStore(ctx context.Context) (*authstore.Store, error) {
	users, err := db.Users(ctx)
	if err != nil {
		return nil, err
	}
	b := authstore.NewBuilder()
	for _, u := range users {
		b.Add(u)
	}
	return b.Build(), nil
}

// PutUser inserts a user or updates its password/mark if it already
// exists. Unlike authstore.Builder, updates in place are fine here: the
// admin API is the one place users are meant to be edited.
func (db *DB) PutUser(ctx context.Context, u authstore.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (name, password, mark, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			password = excluded.password,
			mark = excluded.mark,
			updated_at = CURRENT_TIMESTAMP
	`, u.Name, u.Password, u.Mark)
	if err != nil {
		return fmt.Errorf("store: put user %s: %w", u.Name, err)
	}
	return nil
}

// DeleteUser removes a user by name.
func (db *DB) DeleteUser(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, "DELETE FROM users WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("store: delete user %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: user %s not found", name)
	}
	return nil
}
