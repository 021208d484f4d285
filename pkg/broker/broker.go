/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package broker keeps descriptors handed over by a management layer under
// logical names until a migration claims them.
package broker

import (
	"errors"
	"fmt"
	"net"
	"os"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/debuglog"
)

var (
	ErrInvalidName = errors.New("broker: descriptor names must be non-empty and not start with a digit")
	ErrNoRights    = errors.New("broker: message carried no descriptor")
)

var logger = debuglog.New("broker", os.Stdout)

// Registry maps names to open descriptors. It owns every descriptor it holds
// until Resolve hands one out.
type Registry struct {
	fds cmap.ConcurrentMap[string, int]
}

var _ api.Broker = (*Registry)(nil)

// New returns an empty registry.
func New() *Registry {
	return &Registry{fds: cmap.New[int]()}
}

func validName(name string) bool {
	return name != "" && (name[0] < '0' || name[0] > '9')
}

// Add stores fd under name. A descriptor already registered under the same
// name is closed and replaced.
func (r *Registry) Add(name string, fd int) error {
	if !validName(name) {
		return ErrInvalidName
	}
	var prev int
	replaced := false
	r.fds.Upsert(name, fd, func(exist bool, old int, v int) int {
		prev, replaced = old, exist
		return v
	})
	if replaced && prev != fd {
		logger.Infof("replacing descriptor %q (fd %d -> %d)", name, prev, fd)
		_ = unix.Close(prev)
	}
	return nil
}

// Remove closes and forgets the descriptor registered under name.
func (r *Registry) Remove(name string) error {
	fd, ok := r.fds.Pop(name)
	if !ok {
		return fmt.Errorf("broker: descriptor %q not found", name)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("broker: close %q: %w", name, err)
	}
	return nil
}

// Resolve removes name from the registry and transfers its descriptor to the
// caller.
func (r *Registry) Resolve(name string) (int, bool) {
	fd, ok := r.fds.Pop(name)
	if ok {
		logger.Debugf("descriptor %q (fd %d) claimed", name, fd)
	}
	return fd, ok
}

// Names lists the registered names.
func (r *Registry) Names() []string {
	return r.fds.Keys()
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return r.fds.Count()
}

// Receive reads one message from conn carrying a descriptor in SCM_RIGHTS
// ancillary data and registers it under name. Extra descriptors in the same
// message are closed.
func (r *Registry) Receive(conn *net.UnixConn, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4*4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return fmt.Errorf("broker: recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return fmt.Errorf("broker: parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	if len(fds) == 0 {
		return ErrNoRights
	}
	for _, extra := range fds[1:] {
		_ = unix.Close(extra)
	}
	unix.CloseOnExec(fds[0])
	return r.Add(name, fds[0])
}

// Close closes every descriptor still held.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.fds.Keys() {
		if fd, ok := r.fds.Pop(name); ok {
			if err := unix.Close(fd); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
