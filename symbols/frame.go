package symbols

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"mcudbg/api"
)

// Call-frame information from .debug_frame. The standard library's DWARF
// reader stops at line tables, so the CIE/FDE stream is decoded here. Only
// the 32-bit format is handled; every read is bounds-checked and malformed
// input surfaces as an error, never a panic.

const MaxFrames = 64

type regRuleKind int

const (
	ruleUnset regRuleKind = iota
	ruleUndefined
	ruleSameValue
	ruleOffset   // value at CFA+offset
	ruleRegister // value lives in another register
)

type regRule struct {
	kind regRuleKind
	off  int64
	reg  uint64
}

type frameRow struct {
	cfaReg uint64
	cfaOff int64
	regs   map[uint64]regRule
}

type frameCIE struct {
	codeAlign uint64
	dataAlign int64
	raReg     uint64
	initial   []byte
}

type frameFDE struct {
	low   uint64
	high  uint64
	cie   *frameCIE
	instr []byte
}

type FrameTable struct {
	fdes []frameFDE
}

type cursor struct {
	data []byte
	off  int
}

var errTruncatedCFI = errors.New("truncated entry")

func (c *cursor) remaining() int { return len(c.data) - c.off }

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, errTruncatedCFI
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (byte, error) {
	b, err := c.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) uleb() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New("uleb128 overflow")
		}
	}
}

func (c *cursor) sleb() (int64, error) {
	var v int64
	var shift uint
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v, nil
		}
		if shift > 63 {
			return 0, errors.New("sleb128 overflow")
		}
	}
}

func (c *cursor) cstring() (string, error) {
	start := c.off
	for c.off < len(c.data) {
		if c.data[c.off] == 0 {
			s := string(c.data[start:c.off])
			c.off++
			return s, nil
		}
		c.off++
	}
	return "", errTruncatedCFI
}

func parseFrameTable(raw []byte) (*FrameTable, error) {
	cies := make(map[uint32]*frameCIE)
	var fdes []frameFDE

	c := &cursor{data: raw}
	for c.remaining() > 0 {
		entryOff := uint32(c.off)
		length, err := c.u32()
		if err != nil {
			return nil, err
		}
		if length == 0 {
			continue // padding terminator
		}
		if length == 0xffffffff {
			return nil, errors.New("64-bit DWARF frame format")
		}
		body, err := c.bytes(int(length))
		if err != nil {
			return nil, err
		}
		ec := &cursor{data: body}

		id, err := ec.u32()
		if err != nil {
			return nil, err
		}
		if id == 0xffffffff {
			cie, err := parseCIE(ec)
			if err != nil {
				return nil, fmt.Errorf("CIE at %#x: %w", entryOff, err)
			}
			cies[entryOff] = cie
		} else {
			cie, ok := cies[id]
			if !ok {
				return nil, fmt.Errorf("FDE at %#x references unknown CIE %#x", entryOff, id)
			}
			low, err := ec.u32()
			if err != nil {
				return nil, err
			}
			rng, err := ec.u32()
			if err != nil {
				return nil, err
			}
			fdes = append(fdes, frameFDE{
				low:   uint64(low),
				high:  uint64(low) + uint64(rng),
				cie:   cie,
				instr: body[ec.off:],
			})
		}
	}

	sort.Slice(fdes, func(i, j int) bool { return fdes[i].low < fdes[j].low })
	return &FrameTable{fdes: fdes}, nil
}

func parseCIE(c *cursor) (*frameCIE, error) {
	version, err := c.u8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 && version != 4 {
		return nil, fmt.Errorf("unsupported CIE version %d", version)
	}
	aug, err := c.cstring()
	if err != nil {
		return nil, err
	}
	if aug != "" {
		return nil, fmt.Errorf("unsupported augmentation %q", aug)
	}
	if version == 4 {
		if _, err := c.u8(); err != nil { // address size
			return nil, err
		}
		if _, err := c.u8(); err != nil { // segment size
			return nil, err
		}
	}
	cie := &frameCIE{}
	if cie.codeAlign, err = c.uleb(); err != nil {
		return nil, err
	}
	if cie.dataAlign, err = c.sleb(); err != nil {
		return nil, err
	}
	if version == 1 {
		b, err := c.u8()
		if err != nil {
			return nil, err
		}
		cie.raReg = uint64(b)
	} else {
		if cie.raReg, err = c.uleb(); err != nil {
			return nil, err
		}
	}
	cie.initial = c.data[c.off:]
	return cie, nil
}

func (ft *FrameTable) fdeFor(pc uint64) *frameFDE {
	i := sort.Search(len(ft.fdes), func(i int) bool { return ft.fdes[i].low > pc })
	if i == 0 {
		return nil
	}
	f := &ft.fdes[i-1]
	if pc >= f.low && pc < f.high {
		return f
	}
	return nil
}

// rowFor computes the unwind row in effect at pc, or nil when no FDE covers
// it.
func (ft *FrameTable) rowFor(pc uint64) (*frameRow, *frameCIE, error) {
	fde := ft.fdeFor(pc)
	if fde == nil {
		return nil, nil, nil
	}
	row := &frameRow{regs: make(map[uint64]regRule)}
	if err := runCFI(fde.cie.initial, fde.cie, fde.low, ^uint64(0), row, nil); err != nil {
		return nil, nil, err
	}
	initial := make(map[uint64]regRule, len(row.regs))
	for k, v := range row.regs {
		initial[k] = v
	}
	if err := runCFI(fde.instr, fde.cie, fde.low, pc, row, initial); err != nil {
		return nil, nil, err
	}
	return row, fde.cie, nil
}

// runCFI executes frame instructions, stopping once the advancing location
// passes target. initial carries the CIE row for DW_CFA_restore.
func runCFI(program []byte, cie *frameCIE, start, target uint64, row *frameRow, initial map[uint64]regRule) error {
	loc := start
	c := &cursor{data: program}
	type saved struct {
		cfaReg uint64
		cfaOff int64
		regs   map[uint64]regRule
	}
	var stack []saved

	for c.remaining() > 0 {
		op, err := c.u8()
		if err != nil {
			return err
		}
		switch {
		case op>>6 == 1: // DW_CFA_advance_loc
			loc += uint64(op&0x3f) * cie.codeAlign
			if loc > target {
				return nil
			}
		case op>>6 == 2: // DW_CFA_offset
			off, err := c.uleb()
			if err != nil {
				return err
			}
			row.regs[uint64(op&0x3f)] = regRule{kind: ruleOffset, off: int64(off) * cie.dataAlign}
		case op>>6 == 3: // DW_CFA_restore
			reg := uint64(op & 0x3f)
			if initial != nil {
				if r, ok := initial[reg]; ok {
					row.regs[reg] = r
				} else {
					delete(row.regs, reg)
				}
			}
		default:
			switch op {
			case 0x00: // DW_CFA_nop
			case 0x01: // DW_CFA_set_loc
				v, err := c.u32()
				if err != nil {
					return err
				}
				loc = uint64(v)
				if loc > target {
					return nil
				}
			case 0x02: // DW_CFA_advance_loc1
				v, err := c.u8()
				if err != nil {
					return err
				}
				loc += uint64(v) * cie.codeAlign
				if loc > target {
					return nil
				}
			case 0x03: // DW_CFA_advance_loc2
				v, err := c.u16()
				if err != nil {
					return err
				}
				loc += uint64(v) * cie.codeAlign
				if loc > target {
					return nil
				}
			case 0x04: // DW_CFA_advance_loc4
				v, err := c.u32()
				if err != nil {
					return err
				}
				loc += uint64(v) * cie.codeAlign
				if loc > target {
					return nil
				}
			case 0x05: // DW_CFA_offset_extended
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				off, err := c.uleb()
				if err != nil {
					return err
				}
				row.regs[reg] = regRule{kind: ruleOffset, off: int64(off) * cie.dataAlign}
			case 0x06: // DW_CFA_restore_extended
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				if initial != nil {
					if r, ok := initial[reg]; ok {
						row.regs[reg] = r
					} else {
						delete(row.regs, reg)
					}
				}
			case 0x07: // DW_CFA_undefined
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				row.regs[reg] = regRule{kind: ruleUndefined}
			case 0x08: // DW_CFA_same_value
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				row.regs[reg] = regRule{kind: ruleSameValue}
			case 0x09: // DW_CFA_register
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				src, err := c.uleb()
				if err != nil {
					return err
				}
				row.regs[reg] = regRule{kind: ruleRegister, reg: src}
			case 0x0a: // DW_CFA_remember_state
				cp := make(map[uint64]regRule, len(row.regs))
				for k, v := range row.regs {
					cp[k] = v
				}
				stack = append(stack, saved{row.cfaReg, row.cfaOff, cp})
			case 0x0b: // DW_CFA_restore_state
				if len(stack) == 0 {
					return errors.New("restore_state with empty state stack")
				}
				s := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				row.cfaReg, row.cfaOff, row.regs = s.cfaReg, s.cfaOff, s.regs
			case 0x0c: // DW_CFA_def_cfa
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				off, err := c.uleb()
				if err != nil {
					return err
				}
				row.cfaReg, row.cfaOff = reg, int64(off)
			case 0x0d: // DW_CFA_def_cfa_register
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				row.cfaReg = reg
			case 0x0e: // DW_CFA_def_cfa_offset
				off, err := c.uleb()
				if err != nil {
					return err
				}
				row.cfaOff = int64(off)
			case 0x11: // DW_CFA_offset_extended_sf
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				off, err := c.sleb()
				if err != nil {
					return err
				}
				row.regs[reg] = regRule{kind: ruleOffset, off: off * cie.dataAlign}
			case 0x12: // DW_CFA_def_cfa_sf
				reg, err := c.uleb()
				if err != nil {
					return err
				}
				off, err := c.sleb()
				if err != nil {
					return err
				}
				row.cfaReg, row.cfaOff = reg, off*cie.dataAlign
			case 0x13: // DW_CFA_def_cfa_offset_sf
				off, err := c.sleb()
				if err != nil {
					return err
				}
				row.cfaOff = off * cie.dataAlign
			default:
				return fmt.Errorf("unsupported CFA opcode %#x", op)
			}
		}
	}
	return nil
}

// WordReader is the slice of memory access unwinding needs.
type WordReader interface {
	ReadWord(addr uint64) (uint32, error)
}

const (
	regSP = 13
	regLR = 14
	regPC = 15
)

// Unwind walks the call stack from the given register state. The returned
// frames are valid even when err is non-nil; err is StackCorrupted when the
// walk hit an implausible stack pointer or stopped making progress, and the
// bool reports truncation at the frame cap.
func (s *Snapshot) Unwind(pc, sp, lr uint64, mem WordReader, inRam func(uint64) bool) ([]api.StackFrame, bool, error) {
	var frames []api.StackFrame

	regs := map[uint64]uint64{regSP: sp, regLR: lr, regPC: pc}

	for {
		frames = append(frames, s.frameInfo(pc))
		if len(frames) >= MaxFrames {
			return frames, true, nil
		}
		// Reset value and EXC_RETURN patterns mark the root.
		if pc == 0 || pc >= 0xFFFF_FF00 {
			return frames, false, nil
		}
		if s.frames == nil {
			return frames, false, nil
		}

		row, cie, err := s.frames.rowFor(pc &^ 1)
		if err != nil {
			return frames, false, api.Errorf(api.ErrStackCorrupted, "frame info at %#x: %v", pc, err)
		}
		if row == nil {
			return frames, false, nil
		}

		base, ok := regs[row.cfaReg]
		if !ok {
			return frames, false, api.Errorf(api.ErrStackCorrupted, "CFA register r%d unknown at %#x", row.cfaReg, pc)
		}
		cfa := base + uint64(row.cfaOff)
		if !inRam(cfa) {
			return frames, false, api.Errorf(api.ErrStackCorrupted, "frame pointer %#x outside RAM", cfa)
		}

		next := make(map[uint64]uint64, len(regs))
		for k, v := range regs {
			next[k] = v
		}
		for reg, rule := range row.regs {
			switch rule.kind {
			case ruleOffset:
				v, err := mem.ReadWord(cfa + uint64(rule.off))
				if err != nil {
					return frames, false, err
				}
				next[reg] = uint64(v)
			case ruleRegister:
				if v, ok := regs[rule.reg]; ok {
					next[reg] = v
				}
			case ruleUndefined:
				delete(next, reg)
			}
		}

		raRule, haveRA := row.regs[cie.raReg]
		var ra uint64
		switch {
		case haveRA && raRule.kind == ruleUndefined:
			return frames, false, nil
		case haveRA && raRule.kind == ruleOffset:
			v, err := mem.ReadWord(cfa + uint64(raRule.off))
			if err != nil {
				return frames, false, err
			}
			ra = uint64(v)
		case haveRA && raRule.kind == ruleRegister:
			ra = regs[raRule.reg]
		default:
			// Return address still lives in the link register.
			ra = regs[cie.raReg]
		}

		newPC := ra &^ 1
		if newPC == 0 {
			frames = append(frames, s.frameInfo(0))
			return frames, false, nil
		}
		if newPC == pc&^1 && cfa == regs[regSP] {
			return frames, false, api.Errorf(api.ErrStackCorrupted, "unwind not progressing at %#x", pc)
		}
		if cfa < regs[regSP] {
			return frames, false, api.Errorf(api.ErrStackCorrupted, "stack pointer moved down unwinding %#x", pc)
		}

		next[regSP] = cfa
		next[regPC] = newPC
		regs = next
		pc = newPC
	}
}

func (s *Snapshot) frameInfo(pc uint64) api.StackFrame {
	loc := s.Resolve(pc &^ 1)
	return api.StackFrame{
		PC:       pc &^ 1,
		Function: loc.Function,
		File:     loc.File,
		Line:     loc.Line,
		Inlined:  loc.Inlined,
	}
}
