package session

import (
	"encoding/binary"

	"mcudbg/api"
	"mcudbg/probe"
)

// ARM semihosting: the firmware executes BKPT 0xAB with the operation in r0
// and a parameter block pointer in r1. Output operations are serviced here;
// everything else answers -1 so the firmware's retargeting layer can fall
// back.
const (
	semihostBkpt = 0xBEAB

	semiSysWriteC = 0x03
	semiSysWrite0 = 0x04
	semiSysWrite  = 0x05
)

const semiMaxOutput = 4096

// semihost services a semihosting trap at the current halt. It reports true
// when the stop was a BKPT 0xAB that has been handled and the core resumed;
// any other stop, including an unreadable pc, is left to the normal halt
// path.
func (w *worker) semihost() (bool, error) {
	var instr [2]byte
	if err := w.mem.Read(w.pc&^1, instr[:]); err != nil {
		return false, nil
	}
	if binary.LittleEndian.Uint16(instr[:]) != semihostBkpt || w.bps.Has(w.pc) {
		return false, nil
	}

	ret, err := w.serviceSemihost(w.regs[0], w.regs[1])
	if err != nil {
		return false, w.check(err)
	}

	if err := w.t.WriteRegister(0, ret); err != nil {
		w.fault(err)
		return false, err
	}
	w.regs[0] = ret
	next := (w.pc &^ 1) + 2
	if err := w.t.WriteRegister(probe.RegPC, next); err != nil {
		w.fault(err)
		return false, err
	}
	w.regs[probe.RegPC] = next
	w.pc = next
	if err := w.t.Resume(); err != nil {
		w.fault(err)
		return false, err
	}
	return true, nil
}

func (w *worker) serviceSemihost(op, param uint64) (uint64, error) {
	switch op {
	case semiSysWriteC:
		b, err := w.mem.ReadByte(param)
		if err != nil {
			return 0, err
		}
		w.publish(api.Event{Name: api.EventSemihost, Semihost: &api.SemihostEvent{Data: []byte{b}}})
		return 0, nil

	case semiSysWrite0:
		data, err := w.readCString(param)
		if err != nil {
			return 0, err
		}
		if len(data) > 0 {
			w.publish(api.Event{Name: api.EventSemihost, Semihost: &api.SemihostEvent{Data: data}})
		}
		return 0, nil

	case semiSysWrite:
		// Parameter block: {handle, buffer, length}.
		var blk [12]byte
		if err := w.mem.Read(param, blk[:]); err != nil {
			return 0, err
		}
		ptr := uint64(binary.LittleEndian.Uint32(blk[4:]))
		n := binary.LittleEndian.Uint32(blk[8:])
		if n > semiMaxOutput {
			n = semiMaxOutput
		}
		buf := make([]byte, n)
		if err := w.mem.Read(ptr, buf); err != nil {
			return 0, err
		}
		w.publish(api.Event{Name: api.EventSemihost, Semihost: &api.SemihostEvent{Data: buf}})
		return 0, nil // bytes not written
	}
	return ^uint64(0), nil
}

// readCString reads a NUL-terminated string from target memory, capped at
// semiMaxOutput bytes.
func (w *worker) readCString(addr uint64) ([]byte, error) {
	var out []byte
	chunk := make([]byte, 64)
	for len(out) < semiMaxOutput {
		if err := w.mem.Read(addr+uint64(len(out)), chunk); err != nil {
			return out, err
		}
		for i, b := range chunk {
			if b == 0 {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
	}
	return out[:semiMaxOutput], nil
}
