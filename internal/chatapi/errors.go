package chatapi

import (
	"errors"
	"strings"
)

// Kind classifies why a Session Client call failed.
type Kind string

const (
	// KindTransport covers network failures and non-2xx responses.
	KindTransport Kind = "transport"
	// KindAuthRequired means the server wants the phone to be verified before chatting on.
	KindAuthRequired Kind = "auth_required"
	// KindValidation means a local precondition failed and nothing was sent.
	KindValidation Kind = "validation"
)

// PhoneVerificationSentinel is the server wording that marks a quota-exhausted
// anonymous session. It is an external contract owned by the chat service.
const PhoneVerificationSentinel = "Phone verification required"

const (
	fallbackErrorMessage = "Request failed"
	emptyErrorMessage    = "API request failed"
)

// ErrNoToken is reported when an operation needs a session token and none is held.
var ErrNoToken = errors.New("no session token: verify your phone number to load chat history")

// Error is the tagged failure returned by every Client operation.
type Error struct {
	Kind    Kind
	Status  int // HTTP status, 0 when no response was received
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthRequired reports whether err asks for phone verification.
func IsAuthRequired(err error) bool {
	return KindOf(err) == KindAuthRequired
}

// NewValidationError builds a local precondition failure carrying a user-facing message.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func classifyMessage(message string) Kind {
	if strings.Contains(strings.ToLower(message), strings.ToLower(PhoneVerificationSentinel)) {
		return KindAuthRequired
	}
	return KindTransport
}
