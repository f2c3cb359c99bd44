package learnsync

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned by operations that need connectivity.
	ErrOffline = errors.New("learnsync: offline")
	// ErrClearRequiresOnline rejects clearing downloads without a connection,
	// since the remote record could not be cleared.
	ErrClearRequiresOnline = errors.New("learnsync: clearing downloads requires a connection")
	// ErrNotFound matches an *APIError whose status is 404.
	ErrNotFound = errors.New("learnsync: not found")
)

// UnavailableOfflineError reports that a request could not be served from
// cache while offline. Lang is the locale the client should be redirected in.
type UnavailableOfflineError struct {
	Path string
	Lang string
}

func (e *UnavailableOfflineError) Error() string {
	return fmt.Sprintf("learnsync: %s unavailable offline", e.Path)
}
