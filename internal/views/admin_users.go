package views

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"taxweb/internal/api"
	"taxweb/internal/forms"
	"taxweb/internal/models"
	"taxweb/internal/session"
)

// PageSize is the number of rows a full admin list page holds. A shorter
// page is taken to be the last one; the backend sends no total.
const PageSize = 10

// ErrSelfToggle is returned when an admin tries to toggle their own account.
var ErrSelfToggle = errors.New("views: cannot change the status of your own account")

// UserDirectory is the backend surface of the admin list.
type UserDirectory interface {
	ListUsers(ctx context.Context, page int, q string) ([]models.AdminUserRecord, error)
	ToggleUserStatus(ctx context.Context, id int64) error
}

// Cursor is the admin list position.
type Cursor struct {
	Page  int
	Query string
}

func (c Cursor) key() string {
	return "page=" + strconv.Itoa(c.Page) + "&q=" + c.Query
}

// AdminUserList is the paged, searchable account list.
type AdminUserList struct {
	session *session.Store
	api     UserDirectory
	loader  Loader[[]models.AdminUserRecord]

	mu     sync.Mutex
	cursor Cursor
	notice string
}

// NewAdminUserList creates the list controller at page 1.
func NewAdminUserList(store *session.Store, api UserDirectory) *AdminUserList {
	return &AdminUserList{session: store, api: api, cursor: Cursor{Page: 1}}
}

// UserRow is one rendered account.
type UserRow struct {
	models.AdminUserRecord
	// CanToggle is false for the admin's own account.
	CanToggle bool
}

// AdminUserListView is what the list page renders.
type AdminUserListView struct {
	Admin   *models.UserSummary
	Denied  bool
	Rows    []UserRow
	Cursor  Cursor
	HasPrev bool
	HasNext bool
	Loaded  bool
	Loading bool
	Error   string
	Notice  string
}

// SetCursor moves the list. Pages below 1 are clamped to 1.
func (v *AdminUserList) SetCursor(page int, query string) Cursor {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = Cursor{Page: max(page, 1), Query: strings.TrimSpace(query)}
	return v.cursor
}

// Search filters by query and goes back to the first page.
func (v *AdminUserList) Search(query string) Cursor {
	return v.SetCursor(1, query)
}

// NextPage advances one page when the current page was full.
func (v *AdminUserList) NextPage() Cursor {
	view := v.View()
	if !view.HasNext {
		return view.Cursor
	}
	return v.SetCursor(view.Cursor.Page+1, view.Cursor.Query)
}

// PrevPage goes back one page, never below 1.
func (v *AdminUserList) PrevPage() Cursor {
	c := v.Cursor()
	return v.SetCursor(c.Page-1, c.Query)
}

// Cursor returns the current position.
func (v *AdminUserList) Cursor() Cursor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// Refresh fetches the page at the current cursor. Only admins fetch;
// others get ErrAccessDenied and a view with Denied set.
func (v *AdminUserList) Refresh(ctx context.Context) (AdminUserListView, error) {
	state := v.session.Snapshot()
	if err := requireAdmin(state); err != nil {
		v.loader.Reset()
		return v.View(), err
	}
	v.loader.Scope(userScope(state))

	c := v.Cursor()
	err := v.loader.Load(ctx, c.key(), func(ctx context.Context) ([]models.AdminUserRecord, error) {
		return v.api.ListUsers(ctx, c.Page, c.Query)
	})
	if errors.Is(err, ErrSuperseded) {
		err = nil
	}
	return v.View(), err
}

// Toggle flips an account's status and re-fetches the list. The admin's own
// account is refused without a request.
func (v *AdminUserList) Toggle(ctx context.Context, id int64) error {
	state := v.session.Snapshot()
	if err := requireAdmin(state); err != nil {
		return err
	}
	v.setNotice("")
	if id == state.User.ID {
		v.setNotice("You cannot change the status of your own account.")
		return ErrSelfToggle
	}
	if err := v.api.ToggleUserStatus(ctx, id); err != nil {
		v.setNotice(api.Message(err, "Could not change the user's status."))
		return fmt.Errorf("toggle user %d: %w", id, err)
	}
	_, err := v.Refresh(ctx)
	return err
}

func (v *AdminUserList) setNotice(msg string) {
	v.mu.Lock()
	v.notice = msg
	v.mu.Unlock()
}

// View returns the list state.
func (v *AdminUserList) View() AdminUserListView {
	state := v.session.Snapshot()
	v.mu.Lock()
	view := AdminUserListView{Cursor: v.cursor, Notice: v.notice, Admin: state.User}
	v.mu.Unlock()
	view.HasPrev = view.Cursor.Page > 1

	if err := requireAdmin(state); err != nil {
		view.Denied = errors.Is(err, ErrAccessDenied)
		view.Notice = ""
		return view
	}
	if v.loader.CurrentScope() != userScope(state) {
		return view
	}

	snap := v.loader.Snapshot()
	view.Loading = snap.Loading
	if snap.Err != nil {
		view.Error = api.Message(snap.Err, "Could not load the users.")
	}
	// Rows of another page or query are never shown under this cursor.
	if !snap.HasData || snap.DataKey != view.Cursor.key() {
		return view
	}
	view.Loaded = true
	view.HasNext = len(snap.Data) >= PageSize
	view.Rows = make([]UserRow, 0, len(snap.Data))
	for _, u := range snap.Data {
		view.Rows = append(view.Rows, UserRow{AdminUserRecord: u, CanToggle: u.ID != state.User.ID})
	}
	return view
}

// UserEditor is the backend surface of the admin edit page.
type UserEditor interface {
	GetUser(ctx context.Context, id int64) (*models.AdminUserRecord, error)
	UpdateUser(ctx context.Context, id int64, upd models.UserUpdate) (*models.AdminUserRecord, error)
}

// AdminUserEdit loads one account and submits changes to it.
type AdminUserEdit struct {
	session *session.Store
	api     UserEditor
	loader  Loader[models.AdminUserRecord]
	form    forms.Form

	mu    sync.Mutex
	id    int64
	draft forms.UserUpdateDraft
}

// NewAdminUserEdit creates the edit controller.
func NewAdminUserEdit(store *session.Store, api UserEditor) *AdminUserEdit {
	return &AdminUserEdit{session: store, api: api, form: forms.Form{FailureMessage: "Could not update the user."}}
}

// AdminUserEditView is what the edit page renders.
type AdminUserEditView struct {
	ID      int64
	Denied  bool
	Record  *models.AdminUserRecord
	Draft   forms.UserUpdateDraft
	Loading bool
	Error   string
	Status  forms.Status
}

// Open fetches account id and fills the form from it.
func (v *AdminUserEdit) Open(ctx context.Context, id int64) (AdminUserEditView, error) {
	state := v.session.Snapshot()
	if err := requireAdmin(state); err != nil {
		v.loader.Reset()
		return AdminUserEditView{ID: id, Denied: errors.Is(err, ErrAccessDenied)}, err
	}
	v.loader.Scope(userScope(state))

	v.mu.Lock()
	if v.id != id {
		v.id = id
		v.draft = forms.UserUpdateDraft{}
		v.form.Clear()
	}
	v.mu.Unlock()

	key := strconv.FormatInt(id, 10)
	err := v.loader.Load(ctx, key, func(ctx context.Context) (models.AdminUserRecord, error) {
		rec, err := v.api.GetUser(ctx, id)
		if err != nil {
			return models.AdminUserRecord{}, err
		}
		return *rec, nil
	})
	switch {
	case errors.Is(err, ErrSuperseded):
		err = nil
	case err == nil:
		rec := v.loader.Snapshot().Data
		v.mu.Lock()
		if v.id == id {
			v.draft = forms.DraftFromRecord(rec)
		}
		v.mu.Unlock()
	}
	return v.View(), err
}

// Submit validates and sends the update for account id.
func (v *AdminUserEdit) Submit(ctx context.Context, id int64, draft forms.UserUpdateDraft) (*models.AdminUserRecord, error) {
	if err := requireAdmin(v.session.Snapshot()); err != nil {
		return nil, err
	}
	kept := draft
	kept.Password, kept.ConfirmPassword = "", ""
	v.mu.Lock()
	v.id = id
	v.draft = kept
	v.mu.Unlock()

	var updated *models.AdminUserRecord
	err := v.form.Submit(ctx, draft.Validate, func(ctx context.Context) (string, error) {
		rec, err := v.api.UpdateUser(ctx, id, draft.Update())
		if err != nil {
			return "", err
		}
		updated = rec
		return "User updated.", nil
	})
	return updated, err
}

// View returns the edit page state.
func (v *AdminUserEdit) View() AdminUserEditView {
	state := v.session.Snapshot()
	v.mu.Lock()
	view := AdminUserEditView{ID: v.id, Draft: v.draft, Status: v.form.Status()}
	v.mu.Unlock()

	if err := requireAdmin(state); err != nil {
		return AdminUserEditView{ID: view.ID, Denied: errors.Is(err, ErrAccessDenied)}
	}
	if v.loader.CurrentScope() != userScope(state) {
		return view
	}
	snap := v.loader.Snapshot()
	view.Loading = snap.Loading
	if snap.HasData && snap.DataKey == strconv.FormatInt(view.ID, 10) {
		rec := snap.Data
		view.Record = &rec
	}
	if snap.Err != nil {
		view.Error = api.Message(snap.Err, "Could not load the user.")
	}
	return view
}

// AdminCreateUser lets an admin create an account through the registration
// endpoint, then re-fetches the list.
type AdminCreateUser struct {
	session  *session.Store
	register *Register
	users    *AdminUserList
}

// NewAdminCreateUser creates the admin creation controller.
func NewAdminCreateUser(store *session.Store, api Registrar, users *AdminUserList) *AdminCreateUser {
	return &AdminCreateUser{session: store, register: NewRegister(api), users: users}
}

// Submit creates the account when the caller is an admin.
func (v *AdminCreateUser) Submit(ctx context.Context, draft forms.RegistrationDraft) (*models.AdminUserRecord, error) {
	if err := requireAdmin(v.session.Snapshot()); err != nil {
		return nil, err
	}
	rec, err := v.register.Submit(ctx, draft)
	if err != nil {
		return nil, err
	}
	if _, err := v.users.Refresh(ctx); err != nil {
		return rec, fmt.Errorf("refresh user list: %w", err)
	}
	return rec, nil
}

// View returns the form state, or a denied view for non-admins.
func (v *AdminCreateUser) View() (RegisterView, bool) {
	state := v.session.Snapshot()
	if err := requireAdmin(state); err != nil {
		return RegisterView{}, false
	}
	return v.register.View(), true
}

// Reset clears the form.
func (v *AdminCreateUser) Reset() {
	v.register.Reset()
}
