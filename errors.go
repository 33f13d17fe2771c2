package chatsync

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnresolvableIdentity is returned when no usable identifier is present.
	ErrUnresolvableIdentity = errors.New("unresolvable identity")

	// ErrMissingCredential is a hard precondition failure; it is never retried.
	ErrMissingCredential = errors.New("missing credential")

	// ErrCredentialRejected is reported when the server closes the event
	// channel because the credential is not accepted.
	ErrCredentialRejected = errors.New("credential rejected")

	// ErrReconnectExhausted is surfaced once every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned by commands that need a live channel.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyPayload is a validation failure for empty messages.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrPayloadTooLarge is a validation failure for oversized payloads.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsupportedFile is a validation failure for file kinds or types the
	// service does not accept.
	ErrUnsupportedFile = errors.New("unsupported file")

	// ErrNotRetryable is returned by Retry for messages whose failure is terminal.
	ErrNotRetryable = errors.New("message is not retryable")

	// ErrUnknownMessage is returned when no provisional message has the local ID.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrMalformedMessage marks an incoming message that failed validation.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrStaleWindow is returned by LoadOlder when the window was cleared
	// while the fetch was in flight.
	ErrStaleWindow = errors.New("window changed during load")
)

// IsValidation reports whether err is a terminal validation failure that
// must not be offered a retry.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyPayload) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrUnsupportedFile)
}

// IsRetryable reports whether a failed request may be tried again. Explicit
// server rejections are terminal except 408, 429 and 5xx. Validation
// failures, credential problems and malformed responses are terminal too.
// Anything else, notably network failures from any MessageAPI, is
// retryable.
func IsRetryable(err error) bool {
	switch {
	case err == nil,
		IsValidation(err),
		errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrCredentialRejected),
		errors.Is(err, ErrMalformedMessage),
		errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusRequestTimeout,
			apiErr.Status == http.StatusTooManyRequests,
			apiErr.Status >= 500:
			return true
		case apiErr.Status == 0:
			// envelope error without a status: only explicit transient codes
			return apiErr.Code == "TIMEOUT" || apiErr.Code == "NETWORK_ERROR"
		}
		return false
	}
	return true
}

// transportError wraps failures that happened before a response was read.
type transportError struct{ err error }

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
