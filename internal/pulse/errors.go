package pulse

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrRemoteSyncFailed     = errors.New("remote sync failed")
	ErrDuplicateLocalID     = errors.New("duplicate local id")
	ErrContainerUnavailable = errors.New("container unavailable")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotImplemented       = errors.New("not implemented")
)

// RemoteSyncError reports a failed RemoteSync call made on behalf of a
// mutation. By the time a caller sees it the local write has been rolled back.
type RemoteSyncError struct {
	Kind    Kind
	Op      string
	LocalID string
	Err     error
}

func (e *RemoteSyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote sync failed: %s %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("remote sync failed: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteSyncError) Is(target error) bool {
	return target == ErrRemoteSyncFailed
}

func (e *RemoteSyncError) Unwrap() error {
	return e.Err
}
