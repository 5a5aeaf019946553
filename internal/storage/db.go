package storage

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	// Import sqlite driver
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned for unknown or expired browser sessions.
var ErrSessionNotFound = errors.New("storage: browser session not found")

// DB wraps a sql.DB connection. Times are stored in UTC so that the text
// comparisons sqlite does on them order correctly.
type DB struct {
	conn *sql.DB
}

// NewDB opens a database connection and runs migrations.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backend_cookies (
			session_id TEXT NOT NULL,
			url TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			expires DATETIME,
			secure INTEGER NOT NULL DEFAULT 0,
			http_only INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, url, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_browser_sessions_expires ON browser_sessions(expires_at)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CreateSession records a new browser session.
func (db *DB) CreateSession(id string, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		"INSERT INTO browser_sessions (id, created_at, last_activity, expires_at) VALUES (?, ?, ?, ?)",
		id, now, now, expiresAt.UTC(),
	)
	return err
}

// SessionInfo holds session validation data.
type SessionInfo struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// ValidateSession returns the details of a live browser session, or
// ErrSessionNotFound when it is unknown or expired.
func (db *DB) ValidateSession(id string) (*SessionInfo, error) {
	row := db.conn.QueryRow(
		"SELECT id, created_at, last_activity, expires_at FROM browser_sessions WHERE id = ? AND expires_at > ?",
		id, time.Now().UTC(),
	)

	var info SessionInfo
	if err := row.Scan(&info.ID, &info.CreatedAt, &info.LastActivity, &info.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &info, nil
}

// RenewSession updates the last_activity and expires_at for a session.
func (db *DB) RenewSession(id string, newExpiresAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE browser_sessions SET last_activity = ?, expires_at = ? WHERE id = ?",
		time.Now().UTC(), newExpiresAt.UTC(), id,
	)
	return err
}

// DeleteSession removes a browser session and the backend cookies it held.
func (db *DB) DeleteSession(id string) error {
	if _, err := db.conn.Exec("DELETE FROM backend_cookies WHERE session_id = ?", id); err != nil {
		return err
	}
	_, err := db.conn.Exec("DELETE FROM browser_sessions WHERE id = ?", id)
	return err
}

// CleanExpiredSessions removes all expired sessions and their cookies. It
// returns the ids it removed.
func (db *DB) CleanExpiredSessions() ([]string, error) {
	rows, err := db.conn.Query("SELECT id FROM browser_sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := db.DeleteSession(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// SessionCount returns the number of stored browser sessions.
func (db *DB) SessionCount() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM browser_sessions").Scan(&count)
	return count, err
}

// SaveCookie stores or replaces a backend cookie set for url.
func (db *DB) SaveCookie(sessionID, url string, c *http.Cookie) error {
	var expires any
	if !c.Expires.IsZero() {
		expires = c.Expires.UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO backend_cookies (session_id, url, name, value, path, domain, expires, secure, http_only)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, url, name) DO UPDATE SET
			value = excluded.value, path = excluded.path, domain = excluded.domain,
			expires = excluded.expires, secure = excluded.secure, http_only = excluded.http_only
	`, sessionID, url, c.Name, c.Value, c.Path, c.Domain, expires, c.Secure, c.HttpOnly)
	return err
}

// DeleteCookie removes a backend cookie.
func (db *DB) DeleteCookie(sessionID, url, name string) error {
	_, err := db.conn.Exec(
		"DELETE FROM backend_cookies WHERE session_id = ? AND url = ? AND name = ?",
		sessionID, url, name,
	)
	return err
}

// DeleteCookies removes every backend cookie of a session.
func (db *DB) DeleteCookies(sessionID string) error {
	_, err := db.conn.Exec("DELETE FROM backend_cookies WHERE session_id = ?", sessionID)
	return err
}

// LoadCookies returns the unexpired backend cookies of a session, grouped by
// the url they were set for.
func (db *DB) LoadCookies(sessionID string) (map[string][]*http.Cookie, error) {
	rows, err := db.conn.Query(`
		SELECT url, name, value, path, domain, expires, secure, http_only
		FROM backend_cookies
		WHERE session_id = ? AND (expires IS NULL OR expires > ?)
	`, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*http.Cookie)
	for rows.Next() {
		var (
			url     string
			c       http.Cookie
			expires sql.NullTime
		)
		if err := rows.Scan(&url, &c.Name, &c.Value, &c.Path, &c.Domain, &expires, &c.Secure, &c.HttpOnly); err != nil {
			return nil, err
		}
		if expires.Valid {
			c.Expires = expires.Time
		}
		out[url] = append(out[url], &c)
	}
	return out, rows.Err()
}
