// Package bp manages breakpoints across the two mechanisms Cortex-M offers:
// a bounded set of hardware comparators and BKPT patching for code running
// from RAM.
package bp

import (
	"sort"

	"mcudbg/api"
	"mcudbg/probe"
	"mcudbg/target"
)

// Thumb BKPT #0, little endian.
var bkptInstr = [2]byte{0x00, 0xBE}

type Breakpoint struct {
	Addr uint64
	Kind api.BreakpointKind
	Temp bool

	orig [2]byte // saved instruction for software breakpoints
}

type Manager struct {
	t    probe.Transport
	desc *target.Description

	hw    map[uint64]*Breakpoint
	sw    map[uint64]*Breakpoint
	temps []uint64
}

func NewManager(t probe.Transport, desc *target.Description) *Manager {
	return &Manager{
		t:    t,
		desc: desc,
		hw:   make(map[uint64]*Breakpoint),
		sw:   make(map[uint64]*Breakpoint),
	}
}

func (m *Manager) at(addr uint64) *Breakpoint {
	if bp := m.hw[addr]; bp != nil {
		return bp
	}
	return m.sw[addr]
}

func effectiveKind(bp *Breakpoint) api.BreakpointKind {
	if bp.Temp {
		return api.BreakpointTemporary
	}
	return bp.Kind
}

func (m *Manager) validate(addr uint64) (*target.Region, error) {
	r := m.desc.Classify(addr, 2)
	if r == nil {
		return nil, api.Errorf(api.ErrInvalidAddress, "%#x outside the memory map", addr)
	}
	return r, nil
}

// Set places a breakpoint. Hardware requests beyond the comparator budget
// fail with LimitExceeded and are never silently demoted to software; a
// repeat of the same kind is idempotent, a different kind at the same
// address is an error rather than a silent keep.
func (m *Manager) Set(addr uint64, kind api.BreakpointKind) error {
	addr &^= 1
	if bp := m.at(addr); bp != nil {
		if effectiveKind(bp) == kind {
			return nil
		}
		return api.Errorf(api.ErrInvalidCommand,
			"breakpoint at %#x already set as %s", addr, effectiveKind(bp))
	}
	switch kind {
	case api.BreakpointHardware:
		return m.setHW(addr, false)
	case api.BreakpointSoftware:
		return m.setSW(addr, false)
	case api.BreakpointTemporary:
		return m.SetTemporary(addr)
	default:
		return api.Errorf(api.ErrInvalidCommand, "unknown breakpoint kind %q", kind)
	}
}

func (m *Manager) setHW(addr uint64, temp bool) error {
	if _, err := m.validate(addr); err != nil {
		return err
	}
	if len(m.hw) >= m.desc.HWSlots {
		return api.Errorf(api.ErrLimitExceeded, "all %d hardware breakpoint slots in use", m.desc.HWSlots)
	}
	if err := m.t.SetHWBreakpoint(addr); err != nil {
		return err
	}
	m.hw[addr] = &Breakpoint{Addr: addr, Kind: api.BreakpointHardware, Temp: temp}
	return nil
}

func (m *Manager) setSW(addr uint64, temp bool) error {
	r, err := m.validate(addr)
	if err != nil {
		return err
	}
	if r.Kind != target.RegionRam {
		return api.Errorf(api.ErrProtectedRegion, "software breakpoint needs RAM, %#x is %s", addr, r.Kind)
	}
	bp := &Breakpoint{Addr: addr, Kind: api.BreakpointSoftware, Temp: temp}
	if err := m.t.ReadMemory(addr, bp.orig[:]); err != nil {
		return err
	}
	if err := m.t.WriteMemory(addr, bkptInstr[:]); err != nil {
		return err
	}
	m.sw[addr] = bp
	return nil
}

// SetTemporary places the breakpoint a step operation parks at its target
// address. Hardware is preferred; software is the fallback when the slots
// are full and the address is patchable.
func (m *Manager) SetTemporary(addr uint64) error {
	addr &^= 1
	if m.hw[addr] != nil || m.sw[addr] != nil {
		return nil
	}
	err := m.setHW(addr, true)
	if api.CodeOf(err) == api.ErrLimitExceeded {
		err = m.setSW(addr, true)
	}
	if err != nil {
		return err
	}
	m.temps = append(m.temps, addr)
	return nil
}

func (m *Manager) Clear(addr uint64) error {
	addr &^= 1
	if bp := m.hw[addr]; bp != nil {
		if err := m.t.ClearHWBreakpoint(addr); err != nil {
			return err
		}
		delete(m.hw, addr)
		return nil
	}
	if bp := m.sw[addr]; bp != nil {
		if err := m.t.WriteMemory(addr, bp.orig[:]); err != nil {
			return err
		}
		delete(m.sw, addr)
		return nil
	}
	return api.Errorf(api.ErrNotFound, "no breakpoint at %#x", addr)
}

// ClearTemporaries removes every temporary breakpoint. Step paths call it
// unconditionally, including on failure, so an aborted step never leaves a
// stray breakpoint armed.
func (m *Manager) ClearTemporaries() error {
	var first error
	for _, addr := range m.temps {
		if bp := m.hw[addr]; bp != nil && bp.Temp {
			if err := m.t.ClearHWBreakpoint(addr); err != nil && first == nil {
				first = err
			}
			delete(m.hw, addr)
		}
		if bp := m.sw[addr]; bp != nil && bp.Temp {
			if err := m.t.WriteMemory(addr, bp.orig[:]); err != nil && first == nil {
				first = err
			}
			delete(m.sw, addr)
		}
	}
	m.temps = nil
	return first
}

// ClearAll removes every breakpoint, called once on attach so a new session
// never inherits stale state.
func (m *Manager) ClearAll() error {
	var first error
	for addr := range m.hw {
		if err := m.t.ClearHWBreakpoint(addr); err != nil && first == nil {
			first = err
		}
	}
	for addr, bp := range m.sw {
		if err := m.t.WriteMemory(addr, bp.orig[:]); err != nil && first == nil {
			first = err
		}
	}
	m.hw = make(map[uint64]*Breakpoint)
	m.sw = make(map[uint64]*Breakpoint)
	m.temps = nil
	return first
}

// Rearm re-applies every software patch after a reset reloaded RAM from
// flash. Hardware comparators survive reset on their own.
func (m *Manager) Rearm() error {
	for addr, bp := range m.sw {
		if err := m.t.ReadMemory(addr, bp.orig[:]); err != nil {
			return err
		}
		if err := m.t.WriteMemory(addr, bkptInstr[:]); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether any breakpoint covers addr.
func (m *Manager) Has(addr uint64) bool {
	addr &^= 1
	return m.hw[addr] != nil || m.sw[addr] != nil
}

// IsTemporary reports whether the breakpoint at addr was placed by a step.
func (m *Manager) IsTemporary(addr uint64) bool {
	addr &^= 1
	if bp := m.hw[addr]; bp != nil {
		return bp.Temp
	}
	if bp := m.sw[addr]; bp != nil {
		return bp.Temp
	}
	return false
}

// OrigBytes returns the saved instruction under a software breakpoint.
func (m *Manager) OrigBytes(addr uint64) ([]byte, bool) {
	if bp := m.sw[addr&^1]; bp != nil {
		return bp.orig[:], true
	}
	return nil, false
}

func (m *Manager) List() []api.BreakpointInfo {
	out := make([]api.BreakpointInfo, 0, len(m.hw)+len(m.sw))
	add := func(bp *Breakpoint) {
		out = append(out, api.BreakpointInfo{Addr: bp.Addr, Kind: effectiveKind(bp), Enabled: true})
	}
	for _, bp := range m.hw {
		add(bp)
	}
	for _, bp := range m.sw {
		add(bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// HWInUse reports how many comparator slots are occupied.
func (m *Manager) HWInUse() int { return len(m.hw) }
