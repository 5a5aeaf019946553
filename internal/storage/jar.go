package storage

import (
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

// Jar is an http.CookieJar for one browser session. Matching is done by an
// in-memory cookiejar; every cookie the backend sets is also written to the
// database so the backend login survives a restart of the web client.
type Jar struct {
	db        *DB
	sessionID string
	logger    *slog.Logger

	mu  sync.RWMutex
	mem *cookiejar.Jar
}

// NewJar builds the jar of sessionID and loads its stored cookies.
func NewJar(db *DB, sessionID string, logger *slog.Logger) (*Jar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mem, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	stored, err := db.LoadCookies(sessionID)
	if err != nil {
		return nil, err
	}
	for raw, cookies := range stored {
		u, err := url.Parse(raw)
		if err != nil {
			logger.Warn("skipping stored cookie with bad url", "session", sessionID, "url", raw, "error", err)
			continue
		}
		mem.SetCookies(u, cookies)
	}
	return &Jar{db: db, sessionID: sessionID, logger: logger, mem: mem}, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	j.mem.SetCookies(u, cookies)
	j.mu.RUnlock()

	key := originOf(u)
	for _, c := range cookies {
		var err error
		if expired(c) {
			err = j.db.DeleteCookie(j.sessionID, key, c.Name)
		} else {
			err = j.db.SaveCookie(j.sessionID, key, withExpiry(c))
		}
		if err != nil {
			j.logger.Error("failed to persist backend cookie", "session", j.sessionID, "cookie", c.Name, "error", err)
		}
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.Cookies(u)
}

// Clear forgets every cookie of the session, in memory and on disk.
func (j *Jar) Clear() error {
	mem, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.mem = mem
	j.mu.Unlock()
	return j.db.DeleteCookies(j.sessionID)
}

func expired(c *http.Cookie) bool {
	if c.MaxAge < 0 {
		return true
	}
	return !c.Expires.IsZero() && !c.Expires.After(time.Now())
}

// withExpiry turns Max-Age into an absolute expiry for storage.
func withExpiry(c *http.Cookie) *http.Cookie {
	if c.MaxAge <= 0 {
		return c
	}
	cp := *c
	cp.Expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
	return &cp
}

// originOf keeps scheme and host; cookie paths are stored on the cookie.
func originOf(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
}
