package drive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound is matched by every *NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// HTTPError is implemented by errors that map onto a response status.
type HTTPError interface {
	error
	StatusCode() int
}

// AuthError reports a failed token exchange with the identity provider.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string   { return "drive auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) StatusCode() int { return http.StatusBadGateway }

// NotFoundError reports a folder or file missing from its expected location.
type NotFoundError struct {
	Kind string // "vat folder", "category folder", "file"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RemoteAPIError reports any other transport or HTTP failure of the remote drive.
type RemoteAPIError struct {
	Op      string // list, create folder, put content, get item, download
	Name    string // item or file the call addressed, if any
	Status  int    // upstream HTTP status, 0 for transport errors
	Timeout bool
	Err     error
}

func (e *RemoteAPIError) Error() string {
	msg := "drive " + e.Op
	if e.Name != "" {
		msg += " " + fmt.Sprintf("%q", e.Name)
	}
	switch {
	case e.Timeout:
		msg += ": timeout"
	case e.Status != 0:
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteAPIError) Unwrap() error   { return e.Err }
func (e *RemoteAPIError) StatusCode() int { return http.StatusInternalServerError }

// WrapTransport turns a transport error into a RemoteAPIError, flagging
// deadline expiry. Auth errors and not-found errors pass through untouched.
func WrapTransport(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) || errors.Is(err, ErrNotFound) {
		return err
	}
	var apiErr *RemoteAPIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &RemoteAPIError{Op: op, Name: name, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
