package backend

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrRetryable marks failures after which the whole operation may be re-attempted.
	ErrRetryable = errors.New("retryable")
	// ErrFatal marks failures that need operator action; retrying cannot help.
	ErrFatal = errors.New("fatal")
	// ErrNotFound is returned by Get and Delete for names without a remote file.
	ErrNotFound = errors.New("file does not exist")
	// ErrOutOfSpace is returned by Put when the remote quota is too small.
	ErrOutOfSpace = errors.New("out of space")
)

// HTTPError carries an unexpected HTTP response for diagnostics.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if b := strings.TrimSpace(e.Body); b != "" {
		msg += " (" + b + ")"
	}
	return msg
}

// Retryable wraps err so that IsRetryable reports true.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Fatal wraps err so that IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err needs operator action.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsNotFound reports whether err means the remote file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation that produced err may be
// re-attempted: explicitly retryable errors, timeouts, 408, 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests,
			he.StatusCode == http.StatusRequestTimeout,
			he.StatusCode >= 500 && he.StatusCode <= 599:
			return true
		}
	}
	return false
}
