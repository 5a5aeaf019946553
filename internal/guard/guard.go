// Package guard decides what a protected view may show for a session state.
package guard

import (
	"net/url"
	"strings"

	"taxweb/internal/models"
	"taxweb/internal/session"
)

// Action is the outcome of a guard decision.
type Action int

const (
	// Allow renders the requested view.
	Allow Action = iota
	// Checking renders a neutral placeholder; the session is not resolved yet.
	Checking
	// Redirect sends the visitor to the login entry point.
	Redirect
	// Forbidden is only produced when role checks are centralized.
	Forbidden
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Checking:
		return "checking"
	case Redirect:
		return "redirect"
	default:
		return "forbidden"
	}
}

const (
	// DefaultLoginPath is the login entry point.
	DefaultLoginPath = "/login"
	// FromParam carries the originally requested location through login.
	FromParam = "from"
)

// Decision is what the guard wants done with a navigation.
type Decision struct {
	Action Action
	// Location is the redirect target when Action is Redirect.
	Location string
}

// Policy configures the guard.
type Policy struct {
	LoginPath string
	// CentralRoleCheck makes the guard refuse admin-only targets for
	// non-admins. When false, admin views check the role themselves and
	// render their own access-denied message.
	CentralRoleCheck bool
}

// Decide gates a navigation to requested. It never redirects while the
// session is loading.
func (p Policy) Decide(state session.State, requested string, adminOnly bool) Decision {
	if state.IsLoading {
		return Decision{Action: Checking}
	}
	if state.User == nil {
		return Decision{Action: Redirect, Location: LoginRedirect(p.loginPath(), requested)}
	}
	if adminOnly && p.CentralRoleCheck && !state.User.IsAdmin {
		return Decision{Action: Forbidden}
	}
	return Decision{Action: Allow}
}

func (p Policy) loginPath() string {
	if p.LoginPath == "" {
		return DefaultLoginPath
	}
	return p.LoginPath
}

// LoginRedirect builds the login URL that remembers requested.
func LoginRedirect(loginPath, requested string) string {
	from, ok := SafeReturnPath(requested)
	if !ok {
		return loginPath
	}
	return loginPath + "?" + url.Values{FromParam: {from}}.Encode()
}

// SafeReturnPath accepts only local absolute paths, so a crafted "from" can
// never send a user to another site after login.
func SafeReturnPath(from string) (string, bool) {
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.HasPrefix(from, "/\\") {
		return "", false
	}
	u, err := url.Parse(from)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return from, true
}

// Landing is where a user goes after login when no return path was kept.
func Landing(user *models.UserSummary) string {
	if user != nil && user.IsAdmin {
		return "/admin/users"
	}
	return "/dashboard"
}

// AfterLogin picks the post-login destination.
func AfterLogin(user *models.UserSummary, from string) string {
	if path, ok := SafeReturnPath(from); ok && path != DefaultLoginPath {
		return path
	}
	return Landing(user)
}
