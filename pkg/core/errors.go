package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind represents the category of a client error.
type ErrorKind int

// Error kinds categorize errors for recovery decisions.
const (
	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = iota
	// KindAuth indicates token or approval-key issuance failed, or a credential was rejected.
	KindAuth
	// KindTransport indicates an HTTP or socket level failure.
	KindTransport
	// KindAPI indicates the server understood the request but reported a business failure.
	KindAPI
	// KindDecrypt indicates a stream payload could not be decrypted.
	KindDecrypt
	// KindParse indicates a stream frame or response body could not be decoded.
	KindParse
	// KindValidation indicates a request failed local validation before being sent.
	KindValidation
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	return [...]string{
		"UNKNOWN",
		"AUTH",
		"TRANSPORT",
		"API",
		"DECRYPT",
		"PARSE",
		"VALIDATION",
	}[k]
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrSessionClosed is returned when attempting to use a closed stream session.
	ErrSessionClosed = errors.New("stream session is closed")
	// ErrNotConnected is returned when the streaming connection is not open.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrNoCredentials is returned when no API credentials are configured.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrUnknownTransaction is returned for a transaction id without a registered schema.
	ErrUnknownTransaction = errors.New("unknown transaction id")
	// ErrDuplicateSubscription is returned when a transaction id is already subscribed.
	ErrDuplicateSubscription = errors.New("transaction already subscribed")
	// ErrSubscriptionLimit is returned when a session would exceed its registration limit.
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	// ErrMissingCipher is returned for an encrypted frame whose subscription has no cipher.
	ErrMissingCipher = errors.New("no cipher context for subscription")
)

// Error is the structured error returned by every component of the client.
type Error struct {
	// Kind categorizes the error for programmatic handling.
	Kind ErrorKind `json:"kind"`
	// StatusCode is the HTTP status code, when one was received.
	StatusCode int `json:"status_code,omitempty"`
	// Code is the server message code (msg_cd) or error code.
	Code string `json:"code,omitempty"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// TransactionID is the tr_id the failure relates to, if any.
	TransactionID string `json:"tr_id,omitempty"`
	// Err is the underlying cause.
	Err error `json:"-"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	switch {
	case e.TransactionID != "" && e.Code != "":
		return fmt.Sprintf("%s [%s] (%d/%s): %s", e.Kind, e.TransactionID, e.StatusCode, e.Code, msg)
	case e.TransactionID != "":
		return fmt.Sprintf("%s [%s] (%d): %s", e.Kind, e.TransactionID, e.StatusCode, msg)
	case e.Code != "":
		return fmt.Sprintf("%s (%d/%s): %s", e.Kind, e.StatusCode, e.Code, msg)
	default:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithTransaction sets the transaction id and returns the error for chaining.
func (e *Error) WithTransaction(trID string) *Error {
	e.TransactionID = trID
	return e
}

// WithStatus sets the HTTP status code and returns the error for chaining.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Err:       cause,
		Timestamp: time.Now(),
	}
}

// NewAuthError creates an authentication error.
func NewAuthError(message string, cause error) *Error {
	return newError(KindAuth, message, cause)
}

// NewTransportError creates a transport error wrapping cause.
func NewTransportError(message string, cause error) *Error {
	return newError(KindTransport, message, cause)
}

// NewAPIError creates a business-level error carrying the server code and message.
func NewAPIError(code, message string) *Error {
	e := newError(KindAPI, message, nil)
	e.Code = code
	return e
}

// NewDecryptError creates a stream decryption error.
func NewDecryptError(message string, cause error) *Error {
	return newError(KindDecrypt, message, cause)
}

// NewParseError creates a decoding error.
func NewParseError(message string, cause error) *Error {
	return newError(KindParse, message, cause)
}

// NewValidationError creates a local validation error.
func NewValidationError(message string, cause error) *Error {
	return newError(KindValidation, message, cause)
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAuthError returns true if the error is an authentication failure.
// Authentication errors require re-issuing credentials and are not retried blindly.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuth
}

// IsTransportError returns true if the error is an HTTP or socket failure.
func IsTransportError(err error) bool {
	return KindOf(err) == KindTransport
}

// IsAPIError returns true if the server reported a business-level failure.
func IsAPIError(err error) bool {
	return KindOf(err) == KindAPI
}

// IsDecryptError returns true if a stream payload failed to decrypt.
func IsDecryptError(err error) bool {
	return KindOf(err) == KindDecrypt
}

// IsParseError returns true if a frame or body failed to decode.
func IsParseError(err error) bool {
	return KindOf(err) == KindParse
}

// IsValidationError returns true if a request failed local validation.
func IsValidationError(err error) bool {
	return KindOf(err) == KindValidation
}
