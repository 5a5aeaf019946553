package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"taxweb/internal/forms"
	"taxweb/internal/models"
	"taxweb/internal/views"

	"github.com/gorilla/mux"
)

const adminUsersPath = "/admin/users"

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func listURL(c views.Cursor) string {
	q := url.Values{}
	if c.Page > 1 {
		q.Set("page", strconv.Itoa(c.Page))
	}
	if c.Query != "" {
		q.Set("q", c.Query)
	}
	if len(q) == 0 {
		return adminUsersPath
	}
	return adminUsersPath + "?" + q.Encode()
}

// AdminUsersViewModel holds data for the admin list page.
type AdminUsersViewModel struct {
	views.AdminUserListView
	PrevURL string
	NextURL string
}

// ListUsers renders one page of accounts. Non-admins get the page's own
// access-denied message.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	ws.Users.SetCursor(page, r.URL.Query().Get("q"))

	view, err := ws.Users.Refresh(r.Context())
	if h.expired(w, r, ws, err) {
		return
	}
	status := http.StatusOK
	switch {
	case errors.Is(err, views.ErrAccessDenied):
		status = http.StatusForbidden
	case err != nil:
		h.logger.Error("failed to load users", "session", ws.ID, "error", err)
	}
	h.render(w, r, status, "admin_users.html", h.usersModel(view))
}

func (h *Handlers) usersModel(view views.AdminUserListView) AdminUsersViewModel {
	m := AdminUsersViewModel{AdminUserListView: view}
	if view.HasPrev {
		m.PrevURL = listURL(views.Cursor{Page: view.Cursor.Page - 1, Query: view.Cursor.Query})
	}
	if view.HasNext {
		m.NextURL = listURL(views.Cursor{Page: view.Cursor.Page + 1, Query: view.Cursor.Query})
	}
	return m
}

// ToggleUser flips an account between active and inactive, then shows the
// list again at the same position.
func (h *Handlers) ToggleUser(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	id, ok := pathID(r)
	if !ok {
		h.NotFound(w, r)
		return
	}
	err := ws.Users.Toggle(r.Context(), id)
	if h.expired(w, r, ws, err) {
		return
	}
	switch {
	case errors.Is(err, views.ErrAccessDenied):
		h.render(w, r, http.StatusForbidden, "admin_users.html", h.usersModel(ws.Users.View()))
		return
	case errors.Is(err, views.ErrSelfToggle):
	case err != nil:
		h.logger.Warn("toggle failed", "session", ws.ID, "user_id", id, "error", err)
	default:
		h.logger.Info("user status toggled", "session", ws.ID, "user_id", id)
	}
	h.redirect(w, r, listURL(ws.Users.Cursor()))
}

// NewUserForm renders an empty account creation form for admins.
func (h *Handlers) NewUserForm(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	ws.CreateUser.Reset()
	view, ok := ws.CreateUser.View()
	if !ok {
		h.render(w, r, http.StatusForbidden, "admin_user_new.html", AdminUserFormViewModel{Denied: true})
		return
	}
	h.render(w, r, http.StatusOK, "admin_user_new.html", AdminUserFormViewModel{RegisterView: view})
}

// AdminUserFormViewModel holds data for the admin creation page.
type AdminUserFormViewModel struct {
	views.RegisterView
	Denied bool
}

// CreateUser creates an account on behalf of an admin and returns to the list.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.NewUserForm(w, r)
		return
	}
	rec, err := ws.CreateUser.Submit(r.Context(), registrationDraft(r))
	if h.expired(w, r, ws, err) {
		return
	}
	switch {
	case errors.Is(err, views.ErrAccessDenied):
		h.render(w, r, http.StatusForbidden, "admin_user_new.html", AdminUserFormViewModel{Denied: true})
		return
	case rec != nil:
		if err != nil {
			h.logger.Warn("account created but list refresh failed", "session", ws.ID, "error", err)
		}
		h.logger.Info("account created by admin", "session", ws.ID, "user_id", rec.ID)
		h.redirect(w, r, listURL(ws.Users.Cursor()))
		return
	}
	view, _ := ws.CreateUser.View()
	h.render(w, r, http.StatusOK, "admin_user_new.html", AdminUserFormViewModel{RegisterView: view})
}

// EditUserForm loads an account into the edit form.
func (h *Handlers) EditUserForm(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	id, ok := pathID(r)
	if !ok {
		h.NotFound(w, r)
		return
	}
	view, err := ws.EditUser.Open(r.Context(), id)
	if h.expired(w, r, ws, err) {
		return
	}
	status := http.StatusOK
	switch {
	case errors.Is(err, views.ErrAccessDenied):
		status = http.StatusForbidden
	case err != nil:
		h.logger.Warn("failed to load user", "session", ws.ID, "user_id", id, "error", err)
	}
	h.render(w, r, status, "admin_user_edit.html", view)
}

// UpdateUser submits the edit form and returns to the list on success.
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	id, ok := pathID(r)
	if !ok {
		h.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "admin_user_edit.html", ws.EditUser.View())
		return
	}
	_, err := ws.EditUser.Submit(r.Context(), id, forms.UserUpdateDraft{
		FullName:        strings.TrimSpace(r.FormValue(forms.FieldFullName)),
		Email:           strings.TrimSpace(r.FormValue(forms.FieldEmail)),
		Password:        r.FormValue(forms.FieldPassword),
		ConfirmPassword: r.FormValue(forms.FieldConfirmPassword),
		Active:          r.FormValue("estado") == models.StatusActive,
	})
	if h.expired(w, r, ws, err) {
		return
	}
	switch {
	case err == nil:
		h.logger.Info("user updated", "session", ws.ID, "user_id", id)
		h.redirect(w, r, listURL(ws.Users.Cursor()))
		return
	case errors.Is(err, views.ErrAccessDenied):
		h.render(w, r, http.StatusForbidden, "admin_user_edit.html", ws.EditUser.View())
		return
	}
	h.render(w, r, http.StatusOK, "admin_user_edit.html", ws.EditUser.View())
}
