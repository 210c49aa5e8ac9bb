package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrHTTP is a generic HTTP error for any non-200 HTTP error
type ErrHTTP struct {
	Code   int
	Status string
}

func (e ErrHTTP) Error() string {
	return fmt.Sprintf("http: %s", e.Status)
}

// ErrHTTPBadRequest is returned when the request sent by the client was invalid, e.g. a missing offset header
var ErrHTTPBadRequest = &ErrHTTP{http.StatusBadRequest, http.StatusText(http.StatusBadRequest)}

// ErrHTTPUnauthorized is returned when the client has not sent a valid API key
var ErrHTTPUnauthorized = &ErrHTTP{http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized)}

// ErrHTTPNotFound is returned when a session is not known to the server
var ErrHTTPNotFound = &ErrHTTP{http.StatusNotFound, http.StatusText(http.StatusNotFound)}

// ErrHTTPConflict is returned when a chunk's offset does not match the session state
var ErrHTTPConflict = &ErrHTTP{http.StatusConflict, http.StatusText(http.StatusConflict)}

// ErrHTTPTooManyRequests is returned when a server-side rate limit has been reached
var ErrHTTPTooManyRequests = &ErrHTTP{http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)}

// ErrHTTPPayloadTooLarge is returned when the declared size exceeds the per-file limit
var ErrHTTPPayloadTooLarge = &ErrHTTP{http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)}

// ErrHTTPUnprocessableEntity is returned when the assembled content fails fingerprint verification
var ErrHTTPUnprocessableEntity = &ErrHTTP{http.StatusUnprocessableEntity, http.StatusText(http.StatusUnprocessableEntity)}

var errListenAddrMissing = errors.New("listen address missing, set 'ListenHTTP' in config or pass --listen")
var errNoMatchingRoute = errors.New("no matching route")
