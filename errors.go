package mimo

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Test with errors.Is.
var (
	// ErrRemoteUnavailable marks operations whose store call failed.
	// Optimistic local state is kept; the caller may retry.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrPreconditionFailed marks a conditional transform whose guard did
	// not hold.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotFound marks lookups of entities the local state does not hold.
	ErrNotFound = errors.New("not found")
	// ErrRoleMismatch marks actions attempted from the wrong role.
	ErrRoleMismatch = errors.New("role mismatch")
	// ErrInvalidArgument marks malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotLoggedIn marks actions that need a session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// remoteError wraps a store failure and marks it ErrRemoteUnavailable.
func remoteError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrRemoteUnavailable)
}

func roleError(want, got Role, action string) error {
	return errors.Mark(errors.Newf("%s requires role %s, session is %s", action, want, got), ErrRoleMismatch)
}
