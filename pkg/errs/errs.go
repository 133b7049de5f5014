package errs

import (
	"errors"
	"net/http"
)

// Kind classifies pipeline failures so callers can decide between
// failing fast, retrying, and reporting.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCall       Kind = "call"
	KindStream     Kind = "stream"
	KindInternal   Kind = "internal"
)

// E is a classified error. Op names the operation that failed
// (e.g. "dispatch.place_call"); Msg is safe to show operators.
type E struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	s := string(e.Kind) + " error"
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }

func Validation(op, msg string) error {
	return &E{Kind: KindValidation, Op: op, Msg: msg}
}

func Call(op string, err error) error {
	return &E{Kind: KindCall, Op: op, Msg: "telephony request failed", Err: err}
}

func Stream(op string, err error) error {
	return &E{Kind: KindStream, Op: op, Msg: "stream fault", Err: err}
}

func Internal(op string, err error) error {
	return &E{Kind: KindInternal, Op: op, Msg: "internal error", Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a queue redelivery could succeed.
// Validation failures never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindValidation
}

// HTTPStatus maps an error to the status code returned to webhook callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindCall, KindStream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the operator-safe message for err.
func Message(err error) string {
	var e *E
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}
