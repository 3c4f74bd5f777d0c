package permanent

import (
	"errors"
	"fmt"
	"net/http"
)

// Error marks failures that retrying cannot fix (bad request, unknown alert, rejected credentials).
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Permanent satisfies the marker checked by Is.
func (Error) Permanent() bool {
	return true
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether error carries permanent marker anywhere in its chain.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

// HTTPStatus classifies collaborator response code.
// Params: operation sentinel wrapped into the result and HTTP status code.
// Returns: nil for 2xx, permanent error for 4xx other than 408/429, plain error otherwise.
func HTTPStatus(sentinel error, code int) error {
	if code >= 200 && code <= 299 {
		return nil
	}
	err := fmt.Errorf("%w: %d %s", sentinel, code, http.StatusText(code))
	if code >= 400 && code <= 499 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Mark(err)
	}
	return err
}
