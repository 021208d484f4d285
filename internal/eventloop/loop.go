// Package eventloop is the host descriptor-readiness loop: callbacks run on
// the single goroutine executing Run, and other goroutines hand work to that
// goroutine with Post.
package eventloop

import (
	"errors"
	"os"

	"github.com/srediag/rawmig/internal/debuglog"
)

var (
	ErrClosed     = errors.New("eventloop: closed")
	ErrNotRunning = errors.New("eventloop: not running")
	ErrRunning    = errors.New("eventloop: already running")
)

var logger = debuglog.New("eventloop", os.Stdout)
