package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound matches every *_NOT_FOUND failure through errors.Is.
var ErrNotFound = errors.New("not found")

type ErrorKind string

const (
	KindProjectNotFound          ErrorKind = "PROJECT_NOT_FOUND"
	KindAgentNotFound            ErrorKind = "AGENT_NOT_FOUND"
	KindMessageNotFound          ErrorKind = "MESSAGE_NOT_FOUND"
	KindInvalidInput             ErrorKind = "INVALID_INPUT"
	KindNotRecipient             ErrorKind = "NOT_RECIPIENT"
	KindNoRecipients             ErrorKind = "NO_RECIPIENTS"
	KindProjectCreateFailed      ErrorKind = "PROJECT_CREATE_FAILED"
	KindAgentCreateFailed        ErrorKind = "AGENT_CREATE_FAILED"
	KindMessageCreateFailed      ErrorKind = "MESSAGE_CREATE_FAILED"
	KindReservationCreateFailed  ErrorKind = "RESERVATION_CREATE_FAILED"
	KindReservationReleaseFailed ErrorKind = "RESERVATION_RELEASE_FAILED"
	KindStoreFailed              ErrorKind = "STORE_FAILED"
	KindStoreBusy                ErrorKind = "STORE_BUSY"
	KindStoreUnavailable         ErrorKind = "STORE_UNAVAILABLE"
)

// Error is the structured failure every store operation returns.
type Error struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	Data        map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.IsNotFound()
}

func (e *Error) IsNotFound() bool {
	return strings.HasSuffix(string(e.Kind), "_NOT_FOUND")
}

// IsBusy reports a transient store condition the caller may retry.
func (e *Error) IsBusy() bool {
	return e.Kind == KindStoreBusy || e.Kind == KindStoreUnavailable
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or STORE_FAILED for foreign errors.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindStoreFailed
}

// NotFound builds a recoverable miss. Suggestions, when present, go to Data.
func NotFound(kind ErrorKind, msg string, suggestions []string) *Error {
	e := &Error{Kind: kind, Message: msg, Recoverable: true}
	if len(suggestions) > 0 {
		e.Data = map[string]any{"suggestions": suggestions}
	}
	return e
}

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...), Recoverable: true}
}

func NotRecipient(agent string, messageID int64) *Error {
	return &Error{
		Kind:        KindNotRecipient,
		Message:     fmt.Sprintf("agent %q is not a recipient of message %d", agent, messageID),
		Recoverable: true,
		Data:        map[string]any{"agent": agent, "message_id": messageID},
	}
}

func NoRecipients() *Error {
	return &Error{Kind: KindNoRecipients, Message: "no recipients resolved", Recoverable: true}
}

// Failed wraps a store-level error. It is never recoverable.
func Failed(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: "store operation failed", Err: err}
}

func Busy(err error) *Error {
	return &Error{Kind: KindStoreBusy, Message: "store is busy, retry later", Recoverable: true, Err: err}
}

func Unavailable(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: "store is unavailable, retry later", Recoverable: true, Err: err}
}
