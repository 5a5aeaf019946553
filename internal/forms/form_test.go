package forms

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"taxweb/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noErrors() FieldErrors { return nil }

func TestInvalidInputNeverSends(t *testing.T) {
	var f Form
	sent := false
	err := f.Submit(context.Background(),
		func() FieldErrors { return FieldErrors{FieldFullName: "too short"} },
		func(context.Context) (string, error) { sent = true; return "", nil },
	)

	assert.ErrorIs(t, err, ErrInvalid)
	assert.False(t, sent)
	status := f.Status()
	assert.Equal(t, Idle, status.Phase)
	assert.Equal(t, "too short", status.Errors[FieldFullName])
}

func TestSuccessRecordsMessage(t *testing.T) {
	var f Form
	err := f.Submit(context.Background(), noErrors, func(context.Context) (string, error) {
		return "Saved.", nil
	})
	require.NoError(t, err)
	status := f.Status()
	assert.Equal(t, "Saved.", status.Success)
	assert.Empty(t, status.Message)
	assert.Empty(t, status.Errors)
}

func TestServerFieldErrorsOverwriteLocalOnes(t *testing.T) {
	var f Form
	_ = f.Submit(context.Background(), func() FieldErrors { return FieldErrors{FieldEmail: "local"} }, nil)
	require.Equal(t, "local", f.Status().Errors[FieldEmail])

	serverErr := &api.Error{
		Kind:   api.KindValidation,
		Status: http.StatusUnprocessableEntity,
		Fields: map[string]string{FieldEmail: "already registered"},
	}
	err := f.Submit(context.Background(), noErrors, func(context.Context) (string, error) { return "", serverErr })

	require.Error(t, err)
	status := f.Status()
	assert.Equal(t, "already registered", status.Errors[FieldEmail])
	assert.Equal(t, CorrectErrorsMessage, status.Message)
}

func TestFailureMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server message", &api.Error{Kind: api.KindServer, Status: 500, Message: "database down"}, "database down"},
		{"fallback", &api.Error{Kind: api.KindServer, Status: 500}, "Could not save."},
		{"transport", &api.Error{Kind: api.KindTransport, Err: errors.New("refused")}, "Could not reach the server. Check your connection and try again."},
		{"explicit failure", Fail("That email is not registered."), "That email is not registered."},
		{"plain error", errors.New("boom"), "Could not save."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Form{FailureMessage: "Could not save."}
			err := f.Submit(context.Background(), noErrors, func(context.Context) (string, error) { return "", tt.err })
			require.Error(t, err)
			assert.Equal(t, tt.want, f.Status().Message)
			assert.Equal(t, Idle, f.Status().Phase)
		})
	}
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	var f Form
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)

	go func() {
		done <- f.Submit(context.Background(), noErrors, func(context.Context) (string, error) {
			close(entered)
			<-release
			return "ok", nil
		})
	}()

	<-entered
	assert.Equal(t, Submitting, f.Status().Phase)
	assert.True(t, f.Status().Busy())

	calls := 0
	err := f.Submit(context.Background(), noErrors, func(context.Context) (string, error) { calls++; return "", nil })
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, calls)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, f.Status().Phase)
}

func TestClear(t *testing.T) {
	var f Form
	_ = f.Submit(context.Background(), func() FieldErrors { return FieldErrors{FieldEmail: "x"} }, nil)
	f.Clear()
	status := f.Status()
	assert.Empty(t, status.Errors)
	assert.Empty(t, status.Message)
}
