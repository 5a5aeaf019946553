package views

import (
	"context"
	"sync"

	"taxweb/internal/forms"
	"taxweb/internal/models"
	"taxweb/internal/session"
)

// Authenticator performs the login exchange.
type Authenticator interface {
	Login(ctx context.Context, creds models.Credentials) (*models.LoginResponse, error)
}

// Login is the login page controller.
type Login struct {
	session *session.Store
	auth    Authenticator
	form    forms.Form

	mu    sync.Mutex
	email string
}

// NewLogin creates the login controller.
func NewLogin(store *session.Store, auth Authenticator) *Login {
	return &Login{
		session: store,
		auth:    auth,
		form:    forms.Form{FailureMessage: "Could not log in. Check your credentials."},
	}
}

// LoginView is what the login page renders.
type LoginView struct {
	Email  string
	Status forms.Status
}

// Submit authenticates and, on success, records the user in the session
// store. The password is never kept.
func (v *Login) Submit(ctx context.Context, draft forms.LoginDraft) (*models.UserSummary, error) {
	v.mu.Lock()
	v.email = draft.Email
	v.mu.Unlock()

	var user *models.UserSummary
	err := v.form.Submit(ctx, draft.Validate, func(ctx context.Context) (string, error) {
		resp, err := v.auth.Login(ctx, draft.Credentials())
		if err != nil {
			return "", err
		}
		v.session.Login(resp.User)
		user = &resp.User
		return resp.Message, nil
	})
	return user, err
}

// View returns the page state.
func (v *Login) View() LoginView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return LoginView{Email: v.email, Status: v.form.Status()}
}

// Registrar creates accounts.
type Registrar interface {
	Register(ctx context.Context, reg models.Registration) (*models.AdminUserRecord, error)
}

// Register is the account creation form, used both for self registration
// and by administrators.
type Register struct {
	api  Registrar
	form forms.Form

	mu    sync.Mutex
	draft forms.RegistrationDraft
}

// NewRegister creates a registration controller.
func NewRegister(api Registrar) *Register {
	return &Register{api: api, form: forms.Form{FailureMessage: "Could not create the account."}}
}

// RegisterView is what the registration page renders.
type RegisterView struct {
	Draft         forms.RegistrationDraft
	DocumentTypes []string
	Status        forms.Status
}

// Submit validates locally and creates the account. The typed values are
// kept for redisplay, without the passwords; a success clears them.
func (v *Register) Submit(ctx context.Context, draft forms.RegistrationDraft) (*models.AdminUserRecord, error) {
	kept := draft
	kept.Password, kept.ConfirmPassword = "", ""
	v.mu.Lock()
	v.draft = kept
	v.mu.Unlock()

	var created *models.AdminUserRecord
	err := v.form.Submit(ctx, draft.Validate, func(ctx context.Context) (string, error) {
		rec, err := v.api.Register(ctx, draft.Registration())
		if err != nil {
			return "", err
		}
		created = rec
		return "Account created.", nil
	})
	if err == nil {
		v.mu.Lock()
		v.draft = forms.RegistrationDraft{}
		v.mu.Unlock()
	}
	return created, err
}

// View returns the page state.
func (v *Register) View() RegisterView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return RegisterView{Draft: v.draft, DocumentTypes: forms.DocumentTypes, Status: v.form.Status()}
}

// Reset clears the form so a new visit starts empty.
func (v *Register) Reset() {
	v.mu.Lock()
	v.draft = forms.RegistrationDraft{}
	v.mu.Unlock()
	v.form.Clear()
}

// Recovery is the backend surface for password recovery.
type Recovery interface {
	EmailRegistered(ctx context.Context, mail string) (bool, error)
	ResetPassword(ctx context.Context, mail, password string) error
}

// ForgotPassword checks that an email is registered before a reset.
type ForgotPassword struct {
	api  Recovery
	form forms.Form

	mu       sync.Mutex
	email    string
	verified string
}

// NewForgotPassword creates the forgot-password controller.
func NewForgotPassword(api Recovery) *ForgotPassword {
	return &ForgotPassword{api: api, form: forms.Form{FailureMessage: "Could not check the email. Try again later."}}
}

// ForgotPasswordView is what the forgot-password page renders.
type ForgotPasswordView struct {
	Email string
	// CanContinue enables the link to the reset page.
	CanContinue bool
	Status      forms.Status
}

// Submit checks the email with the backend.
func (v *ForgotPassword) Submit(ctx context.Context, email string) error {
	v.mu.Lock()
	v.email = email
	v.verified = ""
	v.mu.Unlock()

	validate := func() forms.FieldErrors {
		if email == "" {
			return forms.FieldErrors{forms.FieldEmail: "The email cannot be empty."}
		}
		return nil
	}
	return v.form.Submit(ctx, validate, func(ctx context.Context) (string, error) {
		exists, err := v.api.EmailRegistered(ctx, email)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", forms.Fail("That email is not registered.")
		}
		v.mu.Lock()
		v.verified = email
		v.mu.Unlock()
		return "A recovery link has been sent to your email address.", nil
	})
}

// VerifiedEmail is the email confirmed by the last successful check.
func (v *ForgotPassword) VerifiedEmail() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verified
}

func (v *ForgotPassword) forget() {
	v.mu.Lock()
	v.verified = ""
	v.mu.Unlock()
	v.form.Clear()
}

// View returns the page state.
func (v *ForgotPassword) View() ForgotPasswordView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ForgotPasswordView{Email: v.email, CanContinue: v.verified != "", Status: v.form.Status()}
}

// ResetPassword sets a new password for the email confirmed by ForgotPassword.
type ResetPassword struct {
	api    Recovery
	forgot *ForgotPassword
	form   forms.Form
}

// NewResetPassword creates the reset controller.
func NewResetPassword(api Recovery, forgot *ForgotPassword) *ResetPassword {
	return &ResetPassword{api: api, forgot: forgot}
}

// ResetPasswordView is what the reset page renders.
type ResetPasswordView struct {
	Email  string
	Status forms.Status
}

// Submit changes the password. Without a confirmed email nothing is sent.
func (v *ResetPassword) Submit(ctx context.Context, draft forms.ResetDraft) error {
	email := v.forgot.VerifiedEmail()
	err := v.form.Submit(ctx, draft.Validate, func(ctx context.Context) (string, error) {
		if email == "" {
			return "", forms.Fail("Could not determine the email. Start the recovery again.")
		}
		if err := v.api.ResetPassword(ctx, email, draft.Password); err != nil {
			return "", forms.Fail("Could not change the password. Try again later.")
		}
		return "Your password was changed.", nil
	})
	if err == nil {
		v.forgot.forget()
	}
	return err
}

// View returns the page state.
func (v *ResetPassword) View() ResetPasswordView {
	return ResetPasswordView{Email: v.forgot.VerifiedEmail(), Status: v.form.Status()}
}
