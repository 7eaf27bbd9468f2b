package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/digitalocean/godo"
)

// Kind classifies a client failure
type Kind string

const (
	KindTransport Kind = "transport" // network error, timeout, 5xx, 429
	KindDecode    Kind = "decode"    // malformed response body
	KindNotFound  Kind = "not_found" // 404
	KindRejected  Kind = "rejected"  // any other non-2xx
)

// Error is returned by every Client operation
type Error struct {
	Op     string
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a client error, or "" for other errors
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}

// IsTransient reports whether retrying the call may succeed
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindDecode, KindNotFound:
		return true
	}
	return false
}

// classify turns a godo or transport error into an *Error
func classify(op string, err error) *Error {
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		kind := KindRejected
		switch {
		case status == http.StatusNotFound:
			kind = KindNotFound
		case status == http.StatusTooManyRequests || status >= 500:
			kind = KindTransport
		}
		return &Error{Op: op, Kind: kind, Status: status, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Op: op, Kind: KindDecode, Err: err}
	}

	return &Error{Op: op, Kind: KindTransport, Err: err}
}
