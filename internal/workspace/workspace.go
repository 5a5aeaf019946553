// Package workspace keeps one set of client state per browser: a backend
// gateway with its own cookie jar, a session store and the page controllers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"taxweb/internal/api"
	"taxweb/internal/session"
	"taxweb/internal/storage"
	"taxweb/internal/views"

	"github.com/google/uuid"
)

// SessionDuration is how long an idle browser session lives.
const SessionDuration = 30 * 24 * time.Hour

// Workspace is the state of one browser.
type Workspace struct {
	ID      string
	API     *api.Client
	Session *session.Store

	Login          *views.Login
	Register       *views.Register
	ForgotPassword *views.ForgotPassword
	ResetPassword  *views.ResetPassword
	Declarations   *views.DeclarationList
	NewDeclaration *views.NewDeclaration
	Users          *views.AdminUserList
	EditUser       *views.AdminUserEdit
	CreateUser     *views.AdminCreateUser
}

// Options configures how workspaces talk to the backend.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	LogoutOn401 bool
	// Transport replaces the HTTP transport, for tests.
	Transport http.RoundTripper
	Now       func() time.Time
}

// Registry owns the live workspaces, keyed by browser session id.
type Registry struct {
	db     *storage.DB
	logger *slog.Logger
	opts   Options

	mu    sync.Mutex
	items map[string]*Workspace
}

// NewRegistry creates an empty registry backed by db.
func NewRegistry(db *storage.DB, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{db: db, logger: logger, opts: opts, items: make(map[string]*Workspace)}
}

// Open returns the workspace of browser session id. An unknown or expired id
// gets a brand new session; callers compare the returned ID with the one
// they asked for. refresh reports that the browser cookie should be
// written again, either for a new id or a renewed expiry.
func (r *Registry) Open(id string) (ws *Workspace, refresh bool, err error) {
	now := r.opts.Now()

	if id != "" {
		info, err := r.db.ValidateSession(id)
		switch {
		case err == nil:
			// Rolling session: extend when less than half the lifetime is left.
			if info.ExpiresAt.Sub(now) < SessionDuration/2 {
				if err := r.db.RenewSession(id, now.Add(SessionDuration)); err != nil {
					r.logger.Error("failed to renew browser session", "session", id, "error", err)
				} else {
					refresh = true
				}
			}
			ws, err := r.get(id)
			return ws, refresh, err
		case errors.Is(err, storage.ErrSessionNotFound):
			r.drop(id)
		default:
			return nil, false, fmt.Errorf("validate browser session: %w", err)
		}
	}

	id = uuid.NewString()
	if err := r.db.CreateSession(id, now.Add(SessionDuration)); err != nil {
		return nil, false, fmt.Errorf("create browser session: %w", err)
	}
	r.logger.Info("browser session created", "session", id)
	ws, err = r.get(id)
	return ws, true, err
}

// Close ends a browser session: its workspace and stored cookies are gone.
func (r *Registry) Close(id string) error {
	r.drop(id)
	return r.db.DeleteSession(id)
}

// Sweep removes expired browser sessions and their workspaces.
func (r *Registry) Sweep() error {
	ids, err := r.db.CleanExpiredSessions()
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.drop(id)
	}
	if len(ids) > 0 {
		r.logger.Info("expired browser sessions removed", "count", len(ids))
	}
	return nil
}

// Len returns the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.items[id]; ok {
		return ws, nil
	}
	ws, err := r.build(id)
	if err != nil {
		return nil, err
	}
	r.items[id] = ws
	return ws, nil
}

// build wires a workspace and starts its session check in the background.
func (r *Registry) build(id string) (*Workspace, error) {
	jar, err := storage.NewJar(r.db, id, r.logger)
	if err != nil {
		return nil, fmt.Errorf("load backend cookies: %w", err)
	}
	logger := r.logger.With("session", id)

	ws := &Workspace{ID: id}
	opts := []api.Option{api.WithLogger(logger)}
	if r.opts.Timeout > 0 {
		opts = append(opts, api.WithTimeout(r.opts.Timeout))
	}
	if r.opts.Transport != nil {
		opts = append(opts, api.WithTransport(r.opts.Transport))
	}
	if r.opts.LogoutOn401 {
		opts = append(opts, api.WithUnauthorizedHook(func(*api.Error) {
			logger.Info("backend session expired, logging out")
			ws.Session.Logout(context.Background())
		}))
	}
	ws.API = api.New(r.opts.BaseURL, jar, opts...)
	ws.Session = session.NewStore(ws.API, logger)

	ws.Login = views.NewLogin(ws.Session, ws.API)
	ws.Register = views.NewRegister(ws.API)
	ws.ForgotPassword = views.NewForgotPassword(ws.API)
	ws.ResetPassword = views.NewResetPassword(ws.API, ws.ForgotPassword)
	ws.Declarations = views.NewDeclarationList(ws.Session, ws.API)
	ws.NewDeclaration = views.NewNewDeclaration(ws.Session, ws.API, r.opts.Now)
	ws.Users = views.NewAdminUserList(ws.Session, ws.API)
	ws.EditUser = views.NewAdminUserEdit(ws.Session, ws.API)
	ws.CreateUser = views.NewAdminCreateUser(ws.Session, ws.API, ws.Users)

	go ws.Session.Initialize(context.Background())
	return ws, nil
}
