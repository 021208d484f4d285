// Package vmstate is a reference VM state model with a non-live serializer
// and a loader, used by the rawmig command and tests to drive the transport
// end to end.
package vmstate

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/srediag/rawmig/internal/debuglog"
)

// PageSize is the guest page granularity of RAM sections.
const PageSize = 4096

var logger = debuglog.New("vmstate", os.Stdout)

// Machine holds guest RAM and named device state.
type Machine struct {
	mu      sync.Mutex
	ram     []byte
	devices map[string][]byte
	running bool

	// Out receives accounting lines when an export runs with print set.
	Out io.Writer
}

// NewMachine returns a running machine with pages pages of zeroed RAM.
func NewMachine(pages int) *Machine {
	return &Machine{
		ram:     make([]byte, pages*PageSize),
		devices: make(map[string][]byte),
		running: true,
		Out:     os.Stdout,
	}
}

// Pages returns the RAM size in pages.
func (m *Machine) Pages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ram) / PageSize
}

// WritePage copies data into page idx. Short data is zero-padded.
func (m *Machine) WritePage(idx int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || (idx+1)*PageSize > len(m.ram) {
		return fmt.Errorf("vmstate: page %d out of range", idx)
	}
	if len(data) > PageSize {
		return fmt.Errorf("vmstate: page data is %d bytes", len(data))
	}
	page := m.ram[idx*PageSize : (idx+1)*PageSize]
	n := copy(page, data)
	clear(page[n:])
	return nil
}

// Page returns a copy of page idx, or nil when out of range.
func (m *Machine) Page(idx int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || (idx+1)*PageSize > len(m.ram) {
		return nil
	}
	return append([]byte(nil), m.ram[idx*PageSize:(idx+1)*PageSize]...)
}

// SetDevice replaces the state blob of a device.
func (m *Machine) SetDevice(name string, state []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[name] = append([]byte(nil), state...)
}

// Device returns a copy of a device's state.
func (m *Machine) Device(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.devices[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// DeviceNames returns device names in sorted order.
func (m *Machine) DeviceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceNamesLocked()
}

func (m *Machine) deviceNamesLocked() []string {
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pause stops guest execution.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		logger.Infof("vm paused")
	}
	m.running = false
}

// Resume restarts guest execution.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
}

// Running reports whether the guest is executing.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
