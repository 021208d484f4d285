package vmstate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/srediag/rawmig/api"
)

const (
	magic   = "RMIG"
	version = uint32(1)

	tagDevice = byte(0x01)
	tagPage   = byte(0x02)
	tagEnd    = byte(0xff)
)

var (
	ErrBadMagic   = errors.New("vmstate: not a rawmig state stream")
	ErrBadVersion = errors.New("vmstate: unsupported stream version")
	ErrBadSection = errors.New("vmstate: unknown section")
)

var zeroPage [PageSize]byte

// ExportNonLive writes the complete machine state to s in one pass and
// returns the number of RAM pages written. All-zero pages are skipped. With
// suspend set the machine is paused before the export and left paused.
func (m *Machine) ExportNonLive(ctx context.Context, s api.Stream, suspend, print bool) (uint64, error) {
	if suspend {
		m.Pause()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &errWriter{w: s}
	w.write([]byte(magic))
	w.u32(version)

	for _, name := range m.deviceNamesLocked() {
		state := m.devices[name]
		w.write([]byte{tagDevice})
		w.u16(uint16(len(name)))
		w.write([]byte(name))
		w.u32(uint32(len(state)))
		w.write(state)
		if print {
			fmt.Fprintf(m.Out, "device %s: %d bytes\n", name, len(state))
		}
	}
	if w.err != nil {
		return 0, w.err
	}

	var pages, skipped uint64
	for idx := 0; idx*PageSize < len(m.ram); idx++ {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		page := m.ram[idx*PageSize : (idx+1)*PageSize]
		if bytes.Equal(page, zeroPage[:]) {
			skipped++
			continue
		}
		w.write([]byte{tagPage})
		w.u64(uint64(idx))
		w.write(page)
		if w.err != nil {
			return pages, w.err
		}
		pages++
	}
	w.write([]byte{tagEnd})
	if print {
		fmt.Fprintf(m.Out, "ram: %d pages written, %d zero pages skipped\n", pages, skipped)
	}
	return pages, w.err
}

// Load reads a state stream produced by ExportNonLive into the machine.
func (m *Machine) Load(ctx context.Context, r io.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("vmstate: header: %w", err)
	}
	if string(hdr[:4]) != magic {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint32(hdr[4:]); v != version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var tag [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return fmt.Errorf("vmstate: section tag: %w", err)
		}
		switch tag[0] {
		case tagEnd:
			return nil
		case tagDevice:
			if err := m.loadDevice(r); err != nil {
				return err
			}
		case tagPage:
			if err := m.loadPage(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: 0x%02x", ErrBadSection, tag[0])
		}
	}
}

func (m *Machine) loadDevice(r io.Reader) error {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:2]); err != nil {
		return fmt.Errorf("vmstate: device name length: %w", err)
	}
	name := make([]byte, binary.BigEndian.Uint16(n[:2]))
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("vmstate: device name: %w", err)
	}
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return fmt.Errorf("vmstate: device %s length: %w", name, err)
	}
	state := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, state); err != nil {
		return fmt.Errorf("vmstate: device %s: %w", name, err)
	}
	m.devices[string(name)] = state
	return nil
}

func (m *Machine) loadPage(r io.Reader) error {
	var idx [8]byte
	if _, err := io.ReadFull(r, idx[:]); err != nil {
		return fmt.Errorf("vmstate: page index: %w", err)
	}
	i := binary.BigEndian.Uint64(idx[:])
	if i >= uint64(len(m.ram)/PageSize) || i > math.MaxInt/PageSize {
		return fmt.Errorf("vmstate: page %d out of range", i)
	}
	off := int(i) * PageSize
	if _, err := io.ReadFull(r, m.ram[off:off+PageSize]); err != nil {
		return fmt.Errorf("vmstate: page %d: %w", i, err)
	}
	return nil
}

// Apply loads the incoming stream into the machine, closes the stream and
// resumes the guest on success.
func (m *Machine) Apply(ctx context.Context, s api.Stream) error {
	err := m.Load(ctx, s)
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Infof("incoming state applied from fd %d", s.Fd())
	m.Resume()
	return nil
}

type errWriter struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *errWriter) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *errWriter) u16(v uint16) {
	binary.BigEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *errWriter) u32(v uint32) {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *errWriter) u64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}
