package handlers

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"taxweb/internal/forms"
	"taxweb/internal/guard"
	"taxweb/internal/models"
	"taxweb/internal/workspace"

	"github.com/gorilla/csrf"
	"github.com/gorilla/sessions"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// WorkspaceContextKey is the context key for the browser's workspace.
	WorkspaceContextKey contextKey = "workspace"
	// SessionCookieName is the name of the browser session cookie.
	SessionCookieName = "taxweb"

	sessionIDKey = "sid"
)

// mdRenderer escapes raw HTML found in declaration notes.
var mdRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// Options configures the handlers.
type Options struct {
	TemplateDir   string
	SessionSecret []byte
	SecureCookie  bool
	// SessionWait bounds how long a guarded page waits for the first
	// session check before showing the checking page instead.
	SessionWait time.Duration
	Policy      guard.Policy
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	registry    *workspace.Registry
	cookies     *sessions.CookieStore
	templateDir string
	sessionWait time.Duration
	policy      guard.Policy
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(registry *workspace.Registry, logger *slog.Logger, opts Options) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	cookies := sessions.NewCookieStore(opts.SessionSecret)
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(workspace.SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	return &Handlers{
		registry:    registry,
		cookies:     cookies,
		templateDir: opts.TemplateDir,
		sessionWait: opts.SessionWait,
		policy:      opts.Policy,
		logger:      logger,
	}
}

// GetWorkspace retrieves the browser's workspace from request context.
func GetWorkspace(r *http.Request) *workspace.Workspace {
	if ws, ok := r.Context().Value(WorkspaceContextKey).(*workspace.Workspace); ok {
		return ws
	}
	return nil
}

// WorkspaceMiddleware attaches the browser's workspace to every request,
// creating a browser session on first visit. The cookie is written again
// whenever the session id changes or its expiry was extended.
func (h *Handlers) WorkspaceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.cookies.Get(r, SessionCookieName)
		if err != nil {
			// Tampered or signed with an old key; start over.
			h.logger.Debug("discarding unreadable session cookie", "error", err)
		}
		id, _ := sess.Values[sessionIDKey].(string)

		ws, refresh, err := h.registry.Open(id)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if refresh || ws.ID != id {
			sess.Values[sessionIDKey] = ws.ID
			if err := sess.Save(r, w); err != nil {
				h.logger.Error("failed to write session cookie", "error", err)
			}
		}

		ctx := context.WithValue(r.Context(), WorkspaceContextKey, ws)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard wraps handlers that need a logged-in user. While the first session
// check is running the request waits up to SessionWait; after that the
// checking page is shown and the browser retries on its own.
func (h *Handlers) Guard(adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws := GetWorkspace(r)
			if ws == nil {
				h.internalError(w, errors.New("guard: no workspace in context"))
				return
			}
			h.waitForSession(r.Context(), ws)

			// Only a page can be returned to after login.
			requested := r.URL.RequestURI()
			if r.Method != http.MethodGet {
				requested = ""
			}
			decision := h.policy.Decide(ws.Session.Snapshot(), requested, adminOnly)
			switch decision.Action {
			case guard.Allow:
				next.ServeHTTP(w, r)
			case guard.Checking:
				w.Header().Set("Retry-After", "1")
				h.render(w, r, http.StatusOK, "checking.html", CheckingViewModel{Target: r.URL.RequestURI()})
			case guard.Redirect:
				h.redirect(w, r, decision.Location)
			case guard.Forbidden:
				h.render(w, r, http.StatusForbidden, "denied.html", nil)
			}
		})
	}
}

func (h *Handlers) waitForSession(ctx context.Context, ws *workspace.Workspace) {
	if !ws.Session.Snapshot().IsLoading || h.sessionWait <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.sessionWait)
	defer cancel()
	_ = ws.Session.Wait(ctx)
}

// CheckingViewModel holds data for the session-check placeholder.
type CheckingViewModel struct {
	Target string
}

// PageData is what every template receives.
type PageData struct {
	User      *models.UserSummary
	CSRFField template.HTML
	Data      any
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, status int, viewName string, data any) {
	funcMap := template.FuncMap{
		"renderMarkdown": renderMarkdown,
		"money":          money,
		"fieldError":     fieldError,
		"add":            func(a, b int) int { return a + b },
	}
	tmpl, err := template.New("base.html").Funcs(funcMap).ParseFiles(
		filepath.Join(h.templateDir, "base.html"),
		filepath.Join(h.templateDir, "partials.html"),
		filepath.Join(h.templateDir, viewName),
	)
	if err != nil {
		h.logger.Error("template error", "view", viewName, "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	page := PageData{CSRFField: csrf.TemplateField(r), Data: data}
	if ws := GetWorkspace(r); ws != nil {
		page.User = ws.Session.Snapshot().User
	}

	target := "base.html"
	if r.Header.Get("HX-Request") == "true" {
		target = "content"
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, target, page); err != nil {
		h.logger.Error("template execution error", "view", viewName, "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// redirect sends the browser to target, through HX-Location for htmx requests.
func (h *Handlers) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Location", `{"path":"`+template.JSEscapeString(target)+`", "target":"#content"}`)
		return
	}
	status := http.StatusFound
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		status = http.StatusSeeOther
	}
	http.Redirect(w, r, target, status)
}

// internalError logs the real error and returns a generic message to the client.
func (h *Handlers) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("internal error", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// NotFound renders the 404 page.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusNotFound, "notfound.html", nil)
}

func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func fieldError(status forms.Status, field string) string {
	return status.Errors[field]
}
