package handlers

import (
	"errors"
	"net/http"
	"strings"

	"taxweb/internal/forms"
	"taxweb/internal/guard"
	"taxweb/internal/views"
)

// Home renders the public landing page.
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	h.waitForSession(r.Context(), GetWorkspace(r))
	h.render(w, r, http.StatusOK, "home.html", nil)
}

// LoginViewModel holds data for the login page.
type LoginViewModel struct {
	views.LoginView
	From string
}

// LoginForm renders the login page. A visitor who is already logged in goes
// straight to their landing page.
func (h *Handlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	h.waitForSession(r.Context(), ws)
	from := r.URL.Query().Get(guard.FromParam)
	if state := ws.Session.Snapshot(); state.Authenticated() {
		h.redirect(w, r, guard.AfterLogin(state.User, from))
		return
	}
	h.render(w, r, http.StatusOK, "login.html", LoginViewModel{From: from})
}

// Login handles the login form submission.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "login.html", LoginViewModel{})
		return
	}
	from := r.FormValue(guard.FromParam)

	user, err := ws.Login.Submit(r.Context(), forms.LoginDraft{
		Email:    r.FormValue("email"),
		Password: r.FormValue("password"),
	})
	if err != nil {
		if !errors.Is(err, forms.ErrInvalid) {
			h.logger.Info("login rejected", "session", ws.ID, "error", err)
		}
		h.render(w, r, http.StatusOK, "login.html", LoginViewModel{LoginView: ws.Login.View(), From: from})
		return
	}
	h.logger.Info("user logged in", "session", ws.ID, "user_id", user.ID)
	h.redirect(w, r, guard.AfterLogin(user, from))
}

// Logout ends the backend session. The local session is cleared whatever
// the backend says.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	ws.Session.Logout(r.Context())
	h.redirect(w, r, guard.DefaultLoginPath)
}

// RegisterForm renders an empty registration form.
func (h *Handlers) RegisterForm(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	ws.Register.Reset()
	h.render(w, r, http.StatusOK, "register.html", ws.Register.View())
}

// Register handles the registration form submission. On success the
// visitor is sent to the login page.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "register.html", ws.Register.View())
		return
	}
	rec, err := ws.Register.Submit(r.Context(), registrationDraft(r))
	if err != nil {
		h.render(w, r, http.StatusOK, "register.html", ws.Register.View())
		return
	}
	h.logger.Info("account registered", "session", ws.ID, "user_id", rec.ID)
	h.redirect(w, r, guard.DefaultLoginPath)
}

func registrationDraft(r *http.Request) forms.RegistrationDraft {
	return forms.RegistrationDraft{
		DocumentType:    r.FormValue(forms.FieldDocumentType),
		DocumentNumber:  strings.TrimSpace(r.FormValue(forms.FieldDocumentNumber)),
		FullName:        strings.TrimSpace(r.FormValue(forms.FieldFullName)),
		Email:           strings.TrimSpace(r.FormValue(forms.FieldEmail)),
		Password:        r.FormValue(forms.FieldPassword),
		ConfirmPassword: r.FormValue(forms.FieldConfirmPassword),
	}
}

// ForgotPasswordForm renders the email check page.
func (h *Handlers) ForgotPasswordForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "forgot.html", GetWorkspace(r).ForgotPassword.View())
}

// ForgotPassword checks that the email is registered.
func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "forgot.html", ws.ForgotPassword.View())
		return
	}
	if err := ws.ForgotPassword.Submit(r.Context(), strings.TrimSpace(r.FormValue(forms.FieldEmail))); err != nil {
		h.logger.Debug("email check failed", "session", ws.ID, "error", err)
	}
	h.render(w, r, http.StatusOK, "forgot.html", ws.ForgotPassword.View())
}

// ResetPasswordForm renders the new password page, or sends the visitor
// back to the email check when no email was confirmed.
func (h *Handlers) ResetPasswordForm(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	view := ws.ResetPassword.View()
	if view.Email == "" {
		h.redirect(w, r, "/forgot-password")
		return
	}
	h.render(w, r, http.StatusOK, "reset.html", view)
}

// ResetPassword sets the new password and goes to the login page.
func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "reset.html", ws.ResetPassword.View())
		return
	}
	err := ws.ResetPassword.Submit(r.Context(), forms.ResetDraft{
		Password:        r.FormValue(forms.FieldPassword),
		ConfirmPassword: r.FormValue(forms.FieldConfirmPassword),
	})
	if err != nil {
		h.render(w, r, http.StatusOK, "reset.html", ws.ResetPassword.View())
		return
	}
	h.logger.Info("password reset", "session", ws.ID)
	h.redirect(w, r, guard.DefaultLoginPath)
}
