package license

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies why a key request failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMalformedRequest
	KindCertificateFetchFailed
	KindPayloadGenerationFailed
	KindNetworkError
	KindLicenseDenied
	KindEmptyLicenseResponse
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                 "unknown",
	KindMalformedRequest:        "malformed_request",
	KindCertificateFetchFailed:  "certificate_fetch_failed",
	KindPayloadGenerationFailed: "payload_generation_failed",
	KindNetworkError:            "network_error",
	KindLicenseDenied:           "license_denied",
	KindEmptyLicenseResponse:    "empty_license_response",
}

// String returns the stable wire code for the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseErrorKind maps a wire code back to its kind.
func ParseErrorKind(code string) ErrorKind {
	for k, name := range kindNames {
		if name == code {
			return k
		}
	}
	return KindUnknown
}

// Transient reports whether retrying the same request later may succeed.
// Malformed requests and payload failures are integration errors.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindCertificateFetchFailed, KindNetworkError, KindEmptyLicenseResponse:
		return true
	}
	return false
}

// Error is the failure reported for a key request. StatusCode is only set
// for KindLicenseDenied.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindMalformedRequest:
		msg = "malformed key request"
	case KindCertificateFetchFailed:
		msg = "certificate fetch failed"
	case KindPayloadGenerationFailed:
		msg = "payload generation failed"
	case KindNetworkError:
		msg = "license request failed"
	case KindLicenseDenied:
		msg = fmt.Sprintf("license denied with status %d", e.StatusCode)
	case KindEmptyLicenseResponse:
		msg = "license response was empty"
	default:
		msg = "key request failed"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A zero StatusCode on the
// target matches any status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// Sentinels for errors.Is checks.
var (
	ErrMalformedRequest        = &Error{Kind: KindMalformedRequest}
	ErrCertificateFetchFailed  = &Error{Kind: KindCertificateFetchFailed}
	ErrPayloadGenerationFailed = &Error{Kind: KindPayloadGenerationFailed}
	ErrNetwork                 = &Error{Kind: KindNetworkError}
	ErrLicenseDenied           = &Error{Kind: KindLicenseDenied}
	ErrEmptyLicenseResponse    = &Error{Kind: KindEmptyLicenseResponse}

	// ErrTimeout is wrapped by network and certificate failures caused by
	// the configured deadline rather than the transport.
	ErrTimeout = errors.New("timed out")

	// ErrTaskCanceled is returned by Task.Wait after Cancel.
	ErrTaskCanceled = errors.New("key request canceled")

	// ErrInvalidTransition reports a state machine misuse.
	ErrInvalidTransition = errors.New("invalid state transition")
)

func malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedRequest, Err: fmt.Errorf(format, args...)}
}

func certificateFetchFailed(err error) *Error {
	return &Error{Kind: KindCertificateFetchFailed, Err: err}
}

func payloadGenerationFailed(err error) *Error {
	return &Error{Kind: KindPayloadGenerationFailed, Err: err}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetworkError, Err: err}
}

func licenseDenied(status int) *Error {
	return &Error{Kind: KindLicenseDenied, StatusCode: status}
}

func emptyLicenseResponse() *Error {
	return &Error{Kind: KindEmptyLicenseResponse}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCodeOf returns the license service status carried by a denial.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsTimeout reports whether err was caused by a configured deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classifyTransportError marks deadline failures with ErrTimeout. ctx is
// the per-call context whose cause tells a deadline apart from caller
// cancellation.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
