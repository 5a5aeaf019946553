package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies a failed backend call.
type Kind int

const (
	// KindTransport means no response was received.
	KindTransport Kind = iota
	// KindUnauthorized is a 401: no session or an expired one.
	KindUnauthorized
	// KindForbidden is a 403: authenticated but not allowed.
	KindForbidden
	// KindValidation is a 422, usually with field errors.
	KindValidation
	// KindServer covers every other non-2xx status and undecodable bodies.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	default:
		return "server"
	}
}

// ErrNoBaseURL is wrapped by every call made while the backend address is unset.
var ErrNoBaseURL = errors.New("backend base URL is not configured")

// Error is the uniform shape of every gateway failure.
type Error struct {
	Kind    Kind
	Status  int               // 0 when no response arrived
	Message string            // server-supplied message, if any
	Fields  map[string]string // field name -> message, if any
	Err     error             // underlying transport or decode error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("api: %s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("api: status %d: %v", e.Status, e.Err)
	default:
		return fmt.Sprintf("api: status %d", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HasFieldErrors reports whether the server attached a field error map.
func (e *Error) HasFieldErrors() bool {
	return len(e.Fields) > 0
}

// UserMessage returns text suitable for a page-level error banner.
func (e *Error) UserMessage(fallback string) string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindTransport:
		return "Could not reach the server. Check your connection and try again."
	case KindUnauthorized:
		return "Your session has expired. Please log in again."
	case KindForbidden:
		return "You do not have permission to do that."
	}
	return fallback
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	apiErr, ok := AsError(err)
	return ok && apiErr.Kind == KindUnauthorized
}

// Message picks a banner message for any error, api or not.
func Message(err error, fallback string) string {
	if apiErr, ok := AsError(err); ok {
		return apiErr.UserMessage(fallback)
	}
	return fallback
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindServer
	}
}

// errorEnvelope is the failure body the backend sends; every part is optional.
type errorEnvelope struct {
	Message string                     `json:"message"`
	Error   string                     `json:"error"`
	Errors  map[string]json.RawMessage `json:"errors"`
}

func decodeError(status int, body []byte) *Error {
	e := &Error{Kind: kindForStatus(status), Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Plain-text bodies still make a usable message.
		text := strings.TrimSpace(string(body))
		if len(text) > 0 && len(text) < 200 && !strings.HasPrefix(text, "<") {
			e.Message = text
		}
		return e
	}

	e.Message = env.Message
	if e.Message == "" {
		e.Message = env.Error
	}
	if len(env.Errors) > 0 {
		e.Fields = make(map[string]string, len(env.Errors))
		for field, raw := range env.Errors {
			if msg := fieldMessage(raw); msg != "" {
				e.Fields[field] = msg
			}
		}
	}
	return e
}

// fieldMessage accepts "msg" or ["msg", ...].
func fieldMessage(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.Join(many, " ")
	}
	return ""
}

// FieldNames returns the sorted field names of e's error map.
func (e *Error) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
