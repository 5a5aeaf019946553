// Package session holds the client-side mirror of the backend session: who is
// logged in, and whether that answer is known yet.
package session

import (
	"context"
	"log/slog"
	"sync"

	"taxweb/internal/api"
	"taxweb/internal/models"
)

// Gateway is the part of the backend the store talks to.
type Gateway interface {
	CurrentSession(ctx context.Context) (*models.UserSummary, error)
	Logout(ctx context.Context) error
}

// State is a point-in-time copy of the store.
type State struct {
	User      *models.UserSummary
	IsLoading bool
	// Epoch advances on every login and logout.
	Epoch uint64
}

// Authenticated reports whether the state is settled and has a user.
func (s State) Authenticated() bool {
	return !s.IsLoading && s.User != nil
}

// IsAdmin reports whether the settled user holds the admin flag.
func (s State) IsAdmin() bool {
	return s.Authenticated() && s.User.IsAdmin
}

// UserID returns the user id, or 0 without a user.
func (s State) UserID() int64 {
	if s.User == nil {
		return 0
	}
	return s.User.ID
}

// Store is the single writable source of truth for authentication state.
// It is only mutated by Initialize, Login and Logout.
type Store struct {
	gw     Gateway
	logger *slog.Logger

	mu      sync.RWMutex
	user    *models.UserSummary
	loading bool
	epoch   uint64

	once  sync.Once
	ready chan struct{}
}

// NewStore returns a store in its initial loading state.
func NewStore(gw Gateway, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		gw:      gw,
		logger:  logger,
		loading: true,
		ready:   make(chan struct{}),
	}
}

// Initialize asks the backend who is logged in. Only the first call does
// anything; later calls return immediately. It blocks until the answer is
// applied, so callers that must not wait run it in a goroutine.
func (s *Store) Initialize(ctx context.Context) {
	s.once.Do(func() {
		defer close(s.ready)

		user, err := s.gw.CurrentSession(ctx)
		switch {
		case err == nil && user != nil:
			s.logger.Info("active session found", "user_id", user.ID)
		case err == nil:
			s.logger.Info("session endpoint returned no user")
		case api.IsUnauthorized(err):
			s.logger.Info("no active session")
			user = nil
		default:
			s.logger.Error("session check failed", "error", err)
			user = nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != 0 {
			// An explicit login or logout already settled the state.
			return
		}
		s.user = cloneUser(user)
		s.loading = false
	})
}

// Ready is closed once initialization has finished.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Wait blocks until initialization has finished or ctx is done.
func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login records a user whose authentication already succeeded elsewhere.
func (s *Store) Login(user models.UserSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &user
	s.loading = false
	s.epoch++
}

// Logout ends the backend session. Whatever the backend answers, the store
// ends up with no user and not loading.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.epoch++
	s.mu.Unlock()

	if err := s.gw.Logout(ctx); err != nil {
		s.logger.Warn("backend logout failed, clearing local session anyway", "error", err)
	} else {
		s.logger.Info("session closed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.loading = false
	s.epoch++
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{User: cloneUser(s.user), IsLoading: s.loading, Epoch: s.epoch}
}

func cloneUser(u *models.UserSummary) *models.UserSummary {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
