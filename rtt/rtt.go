// Package rtt reads and writes SEGGER-style RTT ring buffers in target RAM.
// The control block is found through the _SEGGER_RTT symbol when symbols are
// loaded, otherwise by scanning RAM for the magic string.
package rtt

import (
	"bytes"
	"encoding/binary"

	"mcudbg/api"
	"mcudbg/memory"
)

var magic = []byte("SEGGER RTT")

// Control block layout for 32-bit targets.
const (
	idSize       = 16
	offUpCount   = 16
	offDownCount = 20
	offBuffers   = 24
	descSize     = 24

	// buffer descriptor offsets
	descBuffer  = 4
	descBufSize = 8
	descWrOff   = 12
	descRdOff   = 16
)

const maxBuffers = 16

type Status int

const (
	// StatusNotFound: no control block location is known.
	StatusNotFound Status = iota
	// StatusPending: the symbol gave a location but the magic is not valid
	// yet; the target has not run its RTT init.
	StatusPending
	// StatusAttached: control block parsed, channels usable.
	StatusAttached
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAttached:
		return "attached"
	default:
		return "not-found"
	}
}

type channel struct {
	desc   uint64 // descriptor address
	data   uint64 // ring buffer base
	size   uint32
	lastRd uint32 // our last-written read offset (up channels only)
}

type Manager struct {
	status Status
	cb     uint64 // control block address, valid unless NotFound
	up     []channel
	down   []channel
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Status() Status { return m.status }
func (m *Manager) Channels() int  { return len(m.up) }

// SymbolLookup is the one symbol query location needs.
type SymbolLookup interface {
	LookupSymbol(name string) (uint64, bool)
}

// Locate finds and parses the control block. With a known location whose
// magic is not yet written the result is Pending, which is retried by the
// session's poll loop until the target initializes.
func (m *Manager) Locate(mem *memory.Accessor, syms SymbolLookup) Status {
	if m.cb == 0 {
		if syms != nil {
			if addr, ok := syms.LookupSymbol("_SEGGER_RTT"); ok {
				m.cb = addr
			}
		}
		if m.cb == 0 {
			m.cb = scan(mem)
		}
	}
	if m.cb == 0 {
		m.status = StatusNotFound
		return m.status
	}

	var id [idSize]byte
	if err := mem.Read(m.cb, id[:]); err != nil || !bytes.HasPrefix(id[:], magic) {
		m.status = StatusPending
		return m.status
	}
	if err := m.parse(mem); err != nil {
		m.status = StatusPending
		return m.status
	}
	m.status = StatusAttached
	return m.status
}

// Rescan drops the located block and searches again.
func (m *Manager) Rescan(mem *memory.Accessor, syms SymbolLookup) Status {
	m.cb = 0
	m.up = nil
	m.down = nil
	m.status = StatusNotFound
	return m.Locate(mem, syms)
}

// scan searches target RAM for the magic string, in word-aligned positions.
func scan(mem *memory.Accessor) uint64 {
	const chunk = 4096
	buf := make([]byte, chunk+idSize)
	for _, r := range mem.Target().RamRegions() {
		for off := uint64(0); off < r.Length; off += chunk {
			n := uint64(chunk + idSize)
			if off+n > r.Length {
				n = r.Length - off
			}
			if n < uint64(len(magic)) {
				break
			}
			if err := mem.Read(r.Base+off, buf[:n]); err != nil {
				break
			}
			if i := bytes.Index(buf[:n], magic); i >= 0 && (uint64(i)+off)%4 == 0 {
				return r.Base + off + uint64(i)
			}
		}
	}
	return 0
}

func (m *Manager) parse(mem *memory.Accessor) error {
	var hdr [8]byte
	if err := mem.Read(m.cb+offUpCount, hdr[:]); err != nil {
		return err
	}
	nUp := binary.LittleEndian.Uint32(hdr[0:4])
	nDown := binary.LittleEndian.Uint32(hdr[4:8])
	if nUp > maxBuffers || nDown > maxBuffers {
		return api.Errorf(api.ErrMalformedDescriptor, "implausible buffer counts %d/%d", nUp, nDown)
	}

	m.up = m.up[:0]
	m.down = m.down[:0]
	addr := m.cb + offBuffers
	for i := uint32(0); i < nUp; i++ {
		ch, err := readDesc(mem, addr)
		if err != nil {
			return err
		}
		m.up = append(m.up, ch)
		addr += descSize
	}
	for i := uint32(0); i < nDown; i++ {
		ch, err := readDesc(mem, addr)
		if err != nil {
			return err
		}
		m.down = append(m.down, ch)
		addr += descSize
	}

	// Seed host read offsets from the target's current state.
	for i := range m.up {
		rd, err := mem.ReadWord(m.up[i].desc + descRdOff)
		if err != nil {
			return err
		}
		m.up[i].lastRd = rd
	}
	return nil
}

func readDesc(mem *memory.Accessor, addr uint64) (channel, error) {
	var raw [descSize]byte
	if err := mem.Read(addr, raw[:]); err != nil {
		return channel{}, err
	}
	return channel{
		desc: addr,
		data: uint64(binary.LittleEndian.Uint32(raw[descBuffer:])),
		size: binary.LittleEndian.Uint32(raw[descBufSize:]),
	}, nil
}

// Poll drains every up channel. A target-side adjustment of the read offset
// means the producer overwrote unread data; that is reported as exactly one
// overflow flag on the affected channel, after which offsets resync.
func (m *Manager) Poll(mem *memory.Accessor) ([]api.RttDataEvent, error) {
	if m.status != StatusAttached {
		return nil, nil
	}
	var out []api.RttDataEvent
	for i := range m.up {
		ch := &m.up[i]
		if ch.size == 0 || ch.data == 0 {
			continue
		}
		wr, err := mem.ReadWord(ch.desc + descWrOff)
		if err != nil {
			return out, err
		}
		rd, err := mem.ReadWord(ch.desc + descRdOff)
		if err != nil {
			return out, err
		}
		if wr >= ch.size || rd >= ch.size {
			continue // descriptor mid-update, retry next poll
		}

		overflow := rd != ch.lastRd
		if overflow {
			ch.lastRd = rd
		}
		if wr == rd && !overflow {
			continue
		}

		data, err := m.readRing(mem, ch, rd, wr)
		if err != nil {
			return out, err
		}
		if len(data) > 0 || overflow {
			if err := mem.WriteWord(ch.desc+descRdOff, wr); err != nil {
				return out, err
			}
			ch.lastRd = wr
			out = append(out, api.RttDataEvent{Channel: i, Data: data, Overflow: overflow})
		}
	}
	return out, nil
}

func (m *Manager) readRing(mem *memory.Accessor, ch *channel, rd, wr uint32) ([]byte, error) {
	if rd == wr {
		return nil, nil
	}
	if rd < wr {
		buf := make([]byte, wr-rd)
		if err := mem.Read(ch.data+uint64(rd), buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	// wrapped
	head := make([]byte, ch.size-rd)
	if err := mem.Read(ch.data+uint64(rd), head); err != nil {
		return nil, err
	}
	tail := make([]byte, wr)
	if err := mem.Read(ch.data, tail); err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// Write pushes data into a down channel, bounded by the free space the
// target has left in the ring.
func (m *Manager) Write(mem *memory.Accessor, ch int, data []byte) (int, error) {
	if m.status != StatusAttached {
		return 0, api.Errorf(api.ErrNotFound, "RTT %s", m.status)
	}
	if ch < 0 || ch >= len(m.down) {
		return 0, api.Errorf(api.ErrNotFound, "down channel %d", ch)
	}
	c := &m.down[ch]
	if c.size == 0 || c.data == 0 {
		return 0, api.Errorf(api.ErrNotFound, "down channel %d not configured", ch)
	}
	wr, err := mem.ReadWord(c.desc + descWrOff)
	if err != nil {
		return 0, err
	}
	rd, err := mem.ReadWord(c.desc + descRdOff)
	if err != nil {
		return 0, err
	}
	if wr >= c.size || rd >= c.size {
		return 0, api.Errorf(api.ErrMalformedDescriptor, "down channel %d offsets out of range", ch)
	}

	free := (rd + c.size - wr - 1) % c.size
	n := uint32(len(data))
	if n > free {
		n = free
	}
	written := 0
	for n > 0 {
		run := n
		if wr+run > c.size {
			run = c.size - wr
		}
		if err := mem.Write(c.data+uint64(wr), data[written:written+int(run)]); err != nil {
			return written, err
		}
		written += int(run)
		wr = (wr + run) % c.size
		n -= run
	}
	if err := mem.WriteWord(c.desc+descWrOff, wr); err != nil {
		return written, err
	}
	return written, nil
}
