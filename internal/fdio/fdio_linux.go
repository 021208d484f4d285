//go:build linux

package fdio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const createTempAttempts = 8

// OpenWrite creates or truncates path and opens it write-only.
func OpenWrite(path string, mode uint32) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, mode)
	if err != nil {
		return Closed, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// OpenRead opens path read-only.
func OpenRead(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return Closed, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// CreateTemp creates a new, uniquely named write-only file in dir and returns
// its descriptor and path. The name is prefix followed by a random UUID.
func CreateTemp(dir, prefix string) (int, string, error) {
	var lastErr error
	for i := 0; i < createTempAttempts; i++ {
		name := filepath.Join(dir, prefix+uuid.NewString())
		fd, err := unix.Open(name, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, 0o600)
		if err == nil {
			return fd, name, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return Closed, "", fmt.Errorf("create %s: %w", name, err)
		}
		lastErr = err
	}
	return Closed, "", fmt.Errorf("create temp in %s: %w", dir, lastErr)
}

// CurrentOffset returns the descriptor's file offset. Pipes, FIFOs and
// sockets have no offset and report 0.
func CurrentOffset(fd int) (int64, error) {
	off, err := unix.Seek(fd, 0, io.SeekCurrent)
	if err != nil {
		if errors.Is(err, unix.ESPIPE) {
			return 0, nil
		}
		return 0, fmt.Errorf("lseek: %w", err)
	}
	return off, nil
}

// IsRegular reports whether fd refers to a regular file.
func IsRegular(fd int) (bool, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, fmt.Errorf("fstat: %w", err)
	}
	return st.Mode&unix.S_IFMT == unix.S_IFREG, nil
}

// Check fails when fd is not an open descriptor.
func Check(fd int) error {
	if fd < 0 {
		return fmt.Errorf("descriptor %d: %w", fd, unix.EBADF)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("descriptor %d: %w", fd, err)
	}
	return nil
}

// Unlink removes path.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}
