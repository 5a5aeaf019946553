package views

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taxweb/internal/api"
	"taxweb/internal/forms"
	"taxweb/internal/models"
	"taxweb/internal/session"
)

// DeclarationSource lists the caller's declarations.
type DeclarationSource interface {
	ListDeclarations(ctx context.Context) ([]models.Declaration, error)
}

// DeclarationList is the user panel's list of declarations.
type DeclarationList struct {
	session *session.Store
	source  DeclarationSource
	loader  Loader[[]models.Declaration]
}

// NewDeclarationList creates the list controller.
func NewDeclarationList(store *session.Store, source DeclarationSource) *DeclarationList {
	return &DeclarationList{session: store, source: source}
}

// DeclarationListView is what the panel renders.
type DeclarationListView struct {
	User    *models.UserSummary
	Items   []models.Declaration
	Loaded  bool
	Loading bool
	Error   string
}

// Refresh fetches the list for the current user. Without a user nothing is
// fetched and anything loaded earlier is dropped.
func (v *DeclarationList) Refresh(ctx context.Context) (DeclarationListView, error) {
	state := v.session.Snapshot()
	if err := requireUser(state); err != nil {
		v.loader.Reset()
		return DeclarationListView{}, err
	}
	v.loader.Scope(userScope(state))

	err := v.loader.Load(ctx, userScope(state), func(ctx context.Context) ([]models.Declaration, error) {
		items, err := v.source.ListDeclarations(ctx)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].FiscalYear != items[j].FiscalYear {
				return items[i].FiscalYear > items[j].FiscalYear
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		return items, nil
	})
	if errors.Is(err, ErrSuperseded) {
		err = nil
	}
	return v.View(), err
}

// View returns the list state for the current user only.
func (v *DeclarationList) View() DeclarationListView {
	state := v.session.Snapshot()
	if !state.Authenticated() || v.loader.CurrentScope() != userScope(state) {
		return DeclarationListView{User: state.User}
	}
	snap := v.loader.Snapshot()
	view := DeclarationListView{
		User:    state.User,
		Items:   snap.Data,
		Loaded:  snap.HasData,
		Loading: snap.Loading,
	}
	if snap.Err != nil {
		view.Error = api.Message(snap.Err, "Could not load your declarations.")
	}
	return view
}

// DeclarationCreator submits declarations.
type DeclarationCreator interface {
	CreateDeclaration(ctx context.Context, in models.DeclarationInput) (*models.Declaration, error)
}

// NewDeclaration is the new-declaration form.
type NewDeclaration struct {
	session *session.Store
	api     DeclarationCreator
	now     func() time.Time
	form    forms.Form

	mu    sync.Mutex
	draft forms.DeclarationDraft
}

// NewNewDeclaration creates the form controller with default values.
func NewNewDeclaration(store *session.Store, api DeclarationCreator, now func() time.Time) *NewDeclaration {
	if now == nil {
		now = time.Now
	}
	return &NewDeclaration{
		session: store,
		api:     api,
		now:     now,
		form:    forms.Form{FailureMessage: "Could not create the declaration."},
		draft:   forms.NewDeclarationDraft(now()),
	}
}

// NewDeclarationView is what the form page renders.
type NewDeclarationView struct {
	Draft         forms.DeclarationDraft
	CivilStatuses []string
	Status        forms.Status
}

// Submit parses the draft and creates the declaration. On success the form
// goes back to its defaults.
func (v *NewDeclaration) Submit(ctx context.Context, draft forms.DeclarationDraft) (*models.Declaration, error) {
	if err := requireUser(v.session.Snapshot()); err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.draft = draft
	v.mu.Unlock()

	var in models.DeclarationInput
	validate := func() forms.FieldErrors {
		parsed, errs := draft.Parse()
		in = parsed
		return errs
	}

	var created *models.Declaration
	err := v.form.Submit(ctx, validate, func(ctx context.Context) (string, error) {
		d, err := v.api.CreateDeclaration(ctx, in)
		if err != nil {
			return "", err
		}
		created = d
		return "Declaration created successfully.", nil
	})
	if err == nil {
		v.mu.Lock()
		v.draft = forms.NewDeclarationDraft(v.now())
		v.mu.Unlock()
	}
	return created, err
}

// View returns the form state.
func (v *NewDeclaration) View() NewDeclarationView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return NewDeclarationView{Draft: v.draft, CivilStatuses: forms.CivilStatuses, Status: v.form.Status()}
}
