package dispatch

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies why a dispatch did not produce a usable response.
type ErrorKind int

const (
	// KindTransport means upstream could not be reached or the request
	// could not be prepared.
	KindTransport ErrorKind = iota + 1
	// KindUnauthorized means upstream answered 401 and refreshing the
	// credentials did not help.
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by Client.Dispatch. Inspect it with errors.As.
type Error struct {
	Kind ErrorKind
	// Response is the original 401 for KindUnauthorized. Its body is
	// buffered and may be read after the error is returned.
	Response *http.Response
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
	case e.Response != nil:
		return fmt.Sprintf("dispatch %s: upstream returned %s", e.Kind, e.Response.Status)
	default:
		return fmt.Sprintf("dispatch %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
