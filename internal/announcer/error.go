package announcer

import (
	"errors"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/cenkalti/drizzle/internal/tracker"
	"github.com/cenkalti/drizzle/internal/tracker/httptracker"
)

// AnnounceError is a tracker error with a message that can be shown to the user.
type AnnounceError struct {
	Err     error
	Message string
	Unknown bool
}

func (e *AnnounceError) Error() string { return e.Message }

func newAnnounceError(err error) (e *AnnounceError) {
	e = &AnnounceError{Err: err}
	var dnsErr *net.DNSError
	var statusErr *httptracker.StatusError
	var trackerErr *tracker.Error
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		e.Message = "host not found: " + dnsErr.Name
	case strings.HasSuffix(err.Error(), "connection refused"):
		e.Message = "tracker refused the connection"
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Message = "timeout contacting tracker"
	case errors.As(err, &statusErr) && (statusErr.Code == http.StatusForbidden || statusErr.Code == http.StatusNotFound):
		e.Message = "tracker returned http status: " + strconv.Itoa(statusErr.Code)
	case errors.As(err, &trackerErr):
		e.Message = "announce error: " + trackerErr.FailureReason
	case errors.Is(err, tracker.ErrDecode):
		e.Message = "invalid response from tracker"
	default:
		e.Message = "unknown error in announce"
		e.Unknown = true
	}
	return
}

// ErrorWithType returns the error string prefixed with the type of the underlying error.
func (e *AnnounceError) ErrorWithType() string {
	return reflect.TypeOf(e.Err).String() + ": " + e.Err.Error()
}
