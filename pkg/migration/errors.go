package migration

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrNilHandle         = errors.New("migration: nil transport handle")
	ErrNoCollaborator    = errors.New("migration: required collaborator not configured")
	ErrResolveDescriptor = errors.New("migration: cannot obtain descriptor")
	ErrWrapStream        = errors.New("migration: cannot wrap descriptor in a stream")
	ErrRegister          = errors.New("migration: cannot register for read readiness")
	ErrSpillSetup        = errors.New("migration: cannot set up spill file")
	ErrSpillSpace        = errors.New("migration: not enough free space for spill file")
)

// Code maps err to a negative platform error number, the convention of
// C-facing migration callers. nil maps to 0 and errors without an errno to
// -EIO.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}
	return -int(unix.EIO)
}
