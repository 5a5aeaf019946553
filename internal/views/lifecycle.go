// Package views holds the per-page controllers: their local form state,
// their data fetches and the access rules they apply.
package views

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"taxweb/internal/session"
)

var (
	// ErrNotAuthenticated is returned by views that need a user when there is none.
	ErrNotAuthenticated = errors.New("views: not authenticated")
	// ErrAccessDenied is returned by admin views for non-admin users.
	ErrAccessDenied = errors.New("views: administrator role required")
	// ErrSuperseded is returned for a fetch whose result was dropped because
	// a newer fetch of the same view was issued.
	ErrSuperseded = errors.New("views: superseded by a newer fetch")
)

// AccessDeniedMessage is what admin views show to non-admin users.
const AccessDeniedMessage = "Access denied. You are not an administrator."

// Loader runs the fetches of one view. Every fetch gets a generation
// number; issuing a new one cancels the previous one, and a result whose
// generation is no longer current is dropped. A failed fetch keeps the data
// of the last successful one and records the error next to it.
type Loader[T any] struct {
	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	scope   string
	key     string
	data    T
	dataKey string
	hasData bool
	loading bool
	err     error
}

// Snapshot is a copy of a loader's visible state.
type Snapshot[T any] struct {
	Data    T
	HasData bool
	// DataKey is the dependency key the data was fetched for.
	DataKey string
	Loading bool
	Err     error
}

// Scope binds the loader to an owner, usually the logged-in user. Changing
// the scope drops everything loaded or in flight for the previous one.
func (l *Loader[T]) Scope(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scope == scope {
		return
	}
	l.resetLocked()
	l.scope = scope
}

// CurrentScope returns the scope the loader is bound to.
func (l *Loader[T]) CurrentScope() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scope
}

// Reset drops loaded data and abandons any fetch in flight.
func (l *Loader[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	l.scope = ""
}

func (l *Loader[T]) resetLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.gen++
	var zero T
	l.data = zero
	l.dataKey = ""
	l.hasData = false
	l.loading = false
	l.err = nil
	l.key = ""
}

// Load issues fetch for key. It returns ErrSuperseded when a newer Load or a
// Reset happened before fetch returned; the result is then discarded.
func (l *Loader[T]) Load(ctx context.Context, key string, fetch func(context.Context) (T, error)) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.key = key
	l.loading = true
	l.mu.Unlock()

	data, err := fetch(fetchCtx)

	l.mu.Lock()
	defer l.mu.Unlock()
	cancel()
	if gen != l.gen {
		return ErrSuperseded
	}
	l.cancel = nil
	l.loading = false
	if err != nil {
		l.err = err
		return err
	}
	l.data = data
	l.dataKey = key
	l.hasData = true
	l.err = nil
	return nil
}

// Snapshot returns the loader's state.
func (l *Loader[T]) Snapshot() Snapshot[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot[T]{
		Data:    l.data,
		HasData: l.hasData,
		DataKey: l.dataKey,
		Loading: l.loading,
		Err:     l.err,
	}
}

func userScope(state session.State) string {
	if state.User == nil {
		return ""
	}
	return "user:" + strconv.FormatInt(state.User.ID, 10)
}

func requireUser(state session.State) error {
	if !state.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

func requireAdmin(state session.State) error {
	if err := requireUser(state); err != nil {
		return err
	}
	if !state.User.IsAdmin {
		return ErrAccessDenied
	}
	return nil
}
