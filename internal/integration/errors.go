package integration

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Class tags an error with enough information to decide whether retrying
// it is worthwhile.
type Class int

const (
	ClassUnknown Class = iota
	ClassClient
	ClassRateLimited
	ClassServer
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this class may succeed on a later
// attempt. Only definitive client errors are not.
func (c Class) Retryable() bool {
	return c != ClassClient
}

func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= 400 && code < 500:
		return ClassClient
	case code >= 500:
		return ClassServer
	default:
		return ClassUnknown
	}
}

// Classified is implemented by errors that carry a Class.
type Classified interface {
	error
	Class() Class
}

// ClassOf returns the class of the first Classified error in err's chain,
// or ClassUnknown.
func ClassOf(err error) Class {
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return ClassUnknown
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	msg := "API request failed with status " + status
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) Class() Class {
	return ClassifyStatus(e.StatusCode)
}

// WithStatus tags an arbitrary error with an HTTP-like status code so the
// retry loop can classify it.
func WithStatus(err error, code int) error {
	return &statusTagged{err: err, code: code}
}

type statusTagged struct {
	err  error
	code int
}

func (e *statusTagged) Error() string { return e.err.Error() }
func (e *statusTagged) Unwrap() error { return e.err }
func (e *statusTagged) Class() Class  { return ClassifyStatus(e.code) }

// RetriesExhaustedError wraps the last error of an operation that failed on
// every attempt.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

func IsRetriesExhausted(err error) bool {
	var re *RetriesExhaustedError
	return errors.As(err, &re)
}
