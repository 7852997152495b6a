package session

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrProxyAuth = errors.New("session: proxy authentication failed")

// StatusError is returned for responses with status >= 400. Steps that need
// to interpret the body reach it through errors.As.
type StatusError struct {
	Status int
	URL    string
	Header http.Header
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Status)
}

// Location is the redirect target carried by the error response, if any.
func (e *StatusError) Location() string {
	if e.Header == nil {
		return ""
	}
	return e.Header.Get("Location")
}

func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
