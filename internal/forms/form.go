// Package forms holds the submission state machine shared by every form and
// the validators that turn raw text input into request bodies.
package forms

import (
	"context"
	"errors"
	"maps"
	"sync"

	"taxweb/internal/api"
)

var (
	// ErrInFlight is returned when a submit arrives while another is running.
	ErrInFlight = errors.New("forms: submission already in progress")
	// ErrInvalid is returned when local validation rejects the input.
	ErrInvalid = errors.New("forms: validation failed")
)

// CorrectErrorsMessage is the banner shown next to server field errors.
const CorrectErrorsMessage = "Please correct the errors in the form."

// FieldErrors maps a field name to a human readable message.
type FieldErrors map[string]string

// Add records msg for field unless the field already has one.
func (fe FieldErrors) Add(field, msg string) {
	if _, ok := fe[field]; !ok {
		fe[field] = msg
	}
}

// Set records msg for field, replacing any earlier message.
func (fe FieldErrors) Set(field, msg string) {
	fe[field] = msg
}

// Phase is where a form is in its submission cycle.
type Phase int

const (
	Idle Phase = iota
	Validating
	Submitting
)

func (p Phase) String() string {
	switch p {
	case Validating:
		return "validating"
	case Submitting:
		return "submitting"
	default:
		return "idle"
	}
}

// Status is a copy of a form's visible state.
type Status struct {
	Phase   Phase
	Errors  FieldErrors
	Message string
	Success string
}

// Busy reports whether the submit action must be disabled.
func (s Status) Busy() bool {
	return s.Phase != Idle
}

// Form runs Idle -> Validating -> (Idle | Submitting -> Idle) and keeps the
// resulting messages. The zero value is ready to use.
type Form struct {
	// FailureMessage is shown when a send fails without a better message.
	FailureMessage string

	mu      sync.Mutex
	phase   Phase
	errors  FieldErrors
	message string
	success string
}

// failure is a send error whose text is meant for the user as is.
type failure struct{ msg string }

func (f *failure) Error() string { return f.msg }

// Fail makes a send error whose message is shown verbatim.
func Fail(msg string) error {
	return &failure{msg: msg}
}

// Submit validates locally and, when that passes, calls send. Local
// failures never reach send. A 422 carrying field errors replaces the
// per-field messages. send returns the success message to show.
func (f *Form) Submit(ctx context.Context, validate func() FieldErrors, send func(context.Context) (string, error)) error {
	f.mu.Lock()
	if f.phase != Idle {
		f.mu.Unlock()
		return ErrInFlight
	}
	f.phase = Validating
	f.errors = nil
	f.message = ""
	f.success = ""
	f.mu.Unlock()

	var errs FieldErrors
	if validate != nil {
		errs = validate()
	}
	if len(errs) > 0 {
		f.mu.Lock()
		f.errors = errs
		f.phase = Idle
		f.mu.Unlock()
		return ErrInvalid
	}

	f.mu.Lock()
	f.phase = Submitting
	f.mu.Unlock()

	success, err := send(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = Idle
	if err != nil {
		var fail *failure
		apiErr, isAPI := api.AsError(err)
		switch {
		case errors.As(err, &fail):
			f.message = fail.msg
		case isAPI && apiErr.Kind == api.KindValidation && apiErr.HasFieldErrors():
			f.errors = maps.Clone(FieldErrors(apiErr.Fields))
			f.message = CorrectErrorsMessage
		default:
			f.message = api.Message(err, f.fallback())
		}
		return err
	}
	f.success = success
	return nil
}

func (f *Form) fallback() string {
	if f.FailureMessage == "" {
		return "Something went wrong. Please try again."
	}
	return f.FailureMessage
}

// Status returns a copy of the form's state.
func (f *Form) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		Phase:   f.phase,
		Errors:  maps.Clone(f.errors),
		Message: f.message,
		Success: f.success,
	}
}

// Clear drops messages from an earlier cycle. It is a no-op while busy.
func (f *Form) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != Idle {
		return
	}
	f.errors = nil
	f.message = ""
	f.success = ""
}
