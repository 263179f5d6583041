// Package memory layers address validation and width-aware access on top of
// a borrowed probe transport. Nothing here owns the transport; the session
// worker lends it for the duration of each call.
package memory

import (
	"encoding/binary"

	"mcudbg/api"
	"mcudbg/probe"
	"mcudbg/target"
)

type Accessor struct {
	t    probe.Transport
	desc *target.Description

	// byteAccess reports whether the target accepts transfers at byte
	// granularity; without it unaligned word and halfword requests are
	// refused.
	byteAccess bool
}

func New(t probe.Transport, desc *target.Description) *Accessor {
	return &Accessor{t: t, desc: desc, byteAccess: true}
}

// SetByteAccess disables unaligned transfers for targets whose memory
// system only accepts native-width transactions.
func (a *Accessor) SetByteAccess(ok bool) { a.byteAccess = ok }

func (a *Accessor) validate(addr uint64, size int, write bool) error {
	r := a.desc.Classify(addr, uint64(size))
	if r == nil {
		return api.Errorf(api.ErrInvalidAddress, "%#x+%d outside the memory map", addr, size)
	}
	if write && r.Kind == target.RegionFlash {
		return api.Errorf(api.ErrProtectedRegion, "%#x is in flash region %s", addr, r.Name)
	}
	return nil
}

func (a *Accessor) Read(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := a.validate(addr, len(buf), false); err != nil {
		return err
	}
	return a.t.ReadMemory(addr, buf)
}

func (a *Accessor) Write(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := a.validate(addr, len(data), true); err != nil {
		return err
	}
	return a.t.WriteMemory(addr, data)
}

// ReadWidth performs a width-checked access. The wire protocol is byte
// granular, so an unaligned request goes through as a single transfer when
// the target allows 8-bit access and is refused otherwise.
func (a *Accessor) ReadWidth(addr uint64, buf []byte, width int) error {
	if width <= 1 {
		return a.Read(addr, buf)
	}
	if len(buf)%width != 0 {
		return api.Errorf(api.ErrUnsupportedAlignment, "length %d is not a multiple of width %d", len(buf), width)
	}
	if addr%uint64(width) == 0 {
		return a.Read(addr, buf)
	}
	if !a.byteAccess {
		return api.Errorf(api.ErrUnsupportedAlignment, "%#x unaligned for width %d and target lacks byte access", addr, width)
	}
	return a.Read(addr, buf)
}

func (a *Accessor) WriteWidth(addr uint64, data []byte, width int) error {
	if width <= 1 {
		return a.Write(addr, data)
	}
	if len(data)%width != 0 {
		return api.Errorf(api.ErrUnsupportedAlignment, "length %d is not a multiple of width %d", len(data), width)
	}
	if addr%uint64(width) == 0 {
		return a.Write(addr, data)
	}
	if !a.byteAccess {
		return api.Errorf(api.ErrUnsupportedAlignment, "%#x unaligned for width %d and target lacks byte access", addr, width)
	}
	return a.Write(addr, data)
}

func (a *Accessor) ReadWord(addr uint64) (uint32, error) {
	var b [4]byte
	if err := a.ReadWidth(addr, b[:], 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (a *Accessor) WriteWord(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return a.WriteWidth(addr, b[:], 4)
}

func (a *Accessor) ReadHalf(addr uint64) (uint16, error) {
	var b [2]byte
	if err := a.ReadWidth(addr, b[:], 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (a *Accessor) WriteHalf(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return a.WriteWidth(addr, b[:], 2)
}

func (a *Accessor) ReadByte(addr uint64) (byte, error) {
	var b [1]byte
	if err := a.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Target exposes the description backing validation; the unwinder uses it
// for its stack-pointer sanity check.
func (a *Accessor) Target() *target.Description { return a.desc }
