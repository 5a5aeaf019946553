package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taxweb/internal/config"
	"taxweb/internal/guard"
	"taxweb/internal/handlers"
	"taxweb/internal/storage"
	"taxweb/internal/workspace"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

const sweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if cfg.APIBaseURL == "" {
		logger.Error("API_BASE_URL is not set; every backend call will fail")
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := workspace.NewRegistry(db, logger, workspace.Options{
		BaseURL:     cfg.APIBaseURL,
		Timeout:     cfg.APITimeout,
		LogoutOn401: cfg.LogoutOn401,
	})
	h := handlers.NewHandlers(registry, logger, handlers.Options{
		TemplateDir:   cfg.TemplateDir,
		SessionSecret: cfg.SessionSecret,
		SecureCookie:  cfg.SecureCookie,
		SessionWait:   cfg.SessionWait,
		Policy:        guard.Policy{CentralRoleCheck: cfg.CentralRoleCheck},
	})

	router := setupRouter(h, cfg.StaticDir)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           withCSRF(router, cfg.CSRFKey, cfg.SecureCookie, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.APITimeout + 30*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweep(ctx, registry, logger)

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "backend", cfg.APIBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

// setupRouter registers every page. Public pages only get the browser's
// workspace; the others also go through the guard.
func setupRouter(h *handlers.Handlers, staticDir string) *mux.Router {
	r := mux.NewRouter()

	public := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(f) }
	user := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(h.Guard(false)(f)) }
	admin := func(f http.HandlerFunc) http.Handler { return h.WorkspaceMiddleware(h.Guard(true)(f)) }

	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))

	r.Handle("/", public(h.Home)).Methods(http.MethodGet)
	r.Handle("/login", public(h.LoginForm)).Methods(http.MethodGet)
	r.Handle("/login", public(h.Login)).Methods(http.MethodPost)
	r.Handle("/logout", public(h.Logout)).Methods(http.MethodPost)
	r.Handle("/register", public(h.RegisterForm)).Methods(http.MethodGet)
	r.Handle("/register", public(h.Register)).Methods(http.MethodPost)
	r.Handle("/forgot-password", public(h.ForgotPasswordForm)).Methods(http.MethodGet)
	r.Handle("/forgot-password", public(h.ForgotPassword)).Methods(http.MethodPost)
	r.Handle("/reset-password", public(h.ResetPasswordForm)).Methods(http.MethodGet)
	r.Handle("/reset-password", public(h.ResetPassword)).Methods(http.MethodPost)

	r.Handle("/dashboard", user(h.Dashboard)).Methods(http.MethodGet)
	r.Handle("/declarations/new", user(h.NewDeclarationForm)).Methods(http.MethodGet)
	r.Handle("/declarations/new", user(h.CreateDeclaration)).Methods(http.MethodPost)

	r.Handle("/admin/users", admin(h.ListUsers)).Methods(http.MethodGet)
	r.Handle("/admin/users/new", admin(h.NewUserForm)).Methods(http.MethodGet)
	r.Handle("/admin/users/new", admin(h.CreateUser)).Methods(http.MethodPost)
	r.Handle("/admin/users/{id:[0-9]+}/toggle", admin(h.ToggleUser)).Methods(http.MethodPost)
	r.Handle("/admin/users/{id:[0-9]+}/edit", admin(h.EditUserForm)).Methods(http.MethodGet)
	r.Handle("/admin/users/{id:[0-9]+}/edit", admin(h.UpdateUser)).Methods(http.MethodPost)

	r.NotFoundHandler = public(h.NotFound)
	return r
}

// withCSRF protects every unsafe request with a token. Over plain HTTP the
// request is marked as such so the referer checks meant for HTTPS are skipped.
func withCSRF(next http.Handler, key []byte, secure bool, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	protect := csrf.Protect(key,
		csrf.Secure(secure),
		csrf.Path("/"),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
			http.Error(w, "Forbidden - the form expired, reload the page and try again", http.StatusForbidden)
		})),
	)(next)
	if secure {
		return protect
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protect.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

func sweep(ctx context.Context, registry *workspace.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		if err := registry.Sweep(); err != nil {
			logger.Error("failed to remove expired sessions", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
