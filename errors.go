package conduit

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthExpired means the session is no longer valid. All stored
	// tokens have been cleared; the caller must re-authenticate before any
	// further sync.
	ErrAuthExpired = errors.New("conduit: session expired")

	// ErrNoToken means no credential is stored and no managed override is
	// present.
	ErrNoToken = errors.New("conduit: no credentials stored")

	// ErrEmptyMessage rejects a send with no text before any I/O happens.
	ErrEmptyMessage = errors.New("conduit: message text is empty")

	// ErrNotFound reports an unknown conversation or outbox entry id.
	ErrNotFound = errors.New("conduit: not found")
)

// HTTPError is a non-2xx gateway response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conduit: gateway returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("conduit: gateway returned HTTP %d: %s", e.Status, e.Message)
}

// IsAuth reports whether the response means the token was rejected.
func (e *HTTPError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized
}

// DecodeError is malformed persisted or server JSON. Reads of cached state
// treat it as absence; it is surfaced only for caller-supplied data.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("conduit: decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError is an I/O failure writing persisted state. The outbox
// surfaces it on every mutation; losing a queued message silently would
// leave it neither sent nor recoverable.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("conduit: storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// isAuthErr reports whether err is a hard authorization failure from the
// gateway, in either its sentinel or HTTP form.
func isAuthErr(err error) bool {
	if errors.Is(err, ErrAuthExpired) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.IsAuth()
}
