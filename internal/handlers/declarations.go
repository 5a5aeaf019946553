package handlers

import (
	"errors"
	"net/http"

	"taxweb/internal/api"
	"taxweb/internal/forms"
	"taxweb/internal/guard"
	"taxweb/internal/views"
	"taxweb/internal/workspace"
)

// expired handles a 401 from the backend: the local session is closed and
// the visitor is sent to log in again. It reports whether it did so.
func (h *Handlers) expired(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, err error) bool {
	if !api.IsUnauthorized(err) && !errors.Is(err, views.ErrNotAuthenticated) {
		return false
	}
	if ws.Session.Snapshot().Authenticated() {
		h.logger.Info("backend session expired", "session", ws.ID)
		ws.Session.Logout(r.Context())
	}
	requested := ""
	if r.Method == http.MethodGet {
		requested = r.URL.RequestURI()
	}
	h.redirect(w, r, guard.LoginRedirect(guard.DefaultLoginPath, requested))
	return true
}

// Dashboard renders the user panel with the declaration list. A failed
// fetch keeps the last list and shows the error above it.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	view, err := ws.Declarations.Refresh(r.Context())
	if h.expired(w, r, ws, err) {
		return
	}
	if err != nil {
		h.logger.Error("failed to load declarations", "session", ws.ID, "error", err)
	}
	h.render(w, r, http.StatusOK, "dashboard.html", DashboardViewModel{
		DeclarationListView: view,
		Stats:               summarize(view.Items),
	})
}

// NewDeclarationForm renders the declaration form.
func (h *Handlers) NewDeclarationForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "declaration_new.html", GetWorkspace(r).NewDeclaration.View())
}

// CreateDeclaration handles the declaration form submission. The form stays
// on screen with a success message and its default values.
func (h *Handlers) CreateDeclaration(w http.ResponseWriter, r *http.Request) {
	ws := GetWorkspace(r)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "declaration_new.html", ws.NewDeclaration.View())
		return
	}
	created, err := ws.NewDeclaration.Submit(r.Context(), forms.DeclarationDraft{
		FiscalYear:  r.FormValue(forms.FieldFiscalYear),
		TotalIncome: r.FormValue(forms.FieldTotalIncome),
		Deductions:  r.FormValue(forms.FieldDeductions),
		CivilStatus: r.FormValue(forms.FieldCivilStatus),
		Dependents:  r.FormValue(forms.FieldDependents),
		Notes:       r.FormValue(forms.FieldNotes),
	})
	if h.expired(w, r, ws, err) {
		return
	}
	switch {
	case err == nil:
		h.logger.Info("declaration created", "session", ws.ID, "declaration_id", created.ID)
	case errors.Is(err, forms.ErrInvalid), errors.Is(err, forms.ErrInFlight):
	default:
		h.logger.Warn("declaration rejected", "session", ws.ID, "error", err)
	}
	h.render(w, r, http.StatusOK, "declaration_new.html", ws.NewDeclaration.View())
}
