// Package disasm decodes target instructions for display and for the
// stepping logic's call detection. Thumb is decoded here; A32 code falls
// through to the x/arch decoder.
package disasm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"

	"mcudbg/api"
)

type Inst struct {
	Addr   uint64
	Len    int
	Text   string
	IsCall bool
}

// Decode decodes one instruction at addr from code.
func Decode(code []byte, addr uint64, thumb bool) (Inst, error) {
	if thumb {
		return decodeThumb(code, addr)
	}
	if len(code) < 4 {
		return Inst{}, fmt.Errorf("short read at %#x", addr)
	}
	in, err := armasm.Decode(code[:4], armasm.ModeARM)
	if err != nil {
		return Inst{Addr: addr, Len: 4, Text: fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(code))}, nil
	}
	return Inst{
		Addr:   addr,
		Len:    4,
		Text:   in.String(),
		IsCall: in.Op == armasm.BL || in.Op == armasm.BLX,
	}, nil
}

// Block decodes up to count instructions starting at addr.
func Block(code []byte, addr uint64, count int, thumb bool) []api.Instruction {
	var out []api.Instruction
	off := 0
	for len(out) < count && off < len(code) {
		in, err := Decode(code[off:], addr+uint64(off), thumb)
		if err != nil {
			break
		}
		out = append(out, api.Instruction{
			Addr:   in.Addr,
			Bytes:  append([]byte(nil), code[off:off+in.Len]...),
			Text:   in.Text,
			IsCall: in.IsCall,
		})
		off += in.Len
	}
	return out
}

// IsWide reports whether the halfword starts a 32-bit Thumb instruction.
func IsWide(hw uint16) bool {
	return hw>>11 == 0b11101 || hw>>11 == 0b11110 || hw>>11 == 0b11111
}

func decodeThumb(code []byte, addr uint64) (Inst, error) {
	if len(code) < 2 {
		return Inst{}, fmt.Errorf("short read at %#x", addr)
	}
	hw := binary.LittleEndian.Uint16(code)

	if IsWide(hw) {
		if len(code) < 4 {
			return Inst{}, fmt.Errorf("short read at %#x", addr)
		}
		lo := binary.LittleEndian.Uint16(code[2:])
		return decodeThumb32(hw, lo, addr), nil
	}
	return decodeThumb16(hw, addr), nil
}

var condNames = [16]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "??",
}

func reg(n uint16) string {
	switch n {
	case 13:
		return "sp"
	case 14:
		return "lr"
	case 15:
		return "pc"
	}
	return fmt.Sprintf("r%d", n)
}

func decodeThumb16(hw uint16, addr uint64) Inst {
	in := Inst{Addr: addr, Len: 2}
	switch {
	case hw == 0xBF00:
		in.Text = "nop"
	case hw&0xFF00 == 0xBE00:
		in.Text = fmt.Sprintf("bkpt #%d", hw&0xFF)
	case hw&0xFF87 == 0x4780:
		in.Text = fmt.Sprintf("blx %s", reg(hw>>3&0xF))
		in.IsCall = true
	case hw&0xFF87 == 0x4700:
		in.Text = fmt.Sprintf("bx %s", reg(hw>>3&0xF))
	case hw&0xFE00 == 0xB400:
		in.Text = fmt.Sprintf("push {%s}", regList(hw&0x1FF, 14))
	case hw&0xFE00 == 0xBC00:
		in.Text = fmt.Sprintf("pop {%s}", regList(hw&0x1FF, 15))
	case hw&0xF800 == 0x2000:
		in.Text = fmt.Sprintf("movs %s, #%d", reg(hw>>8&7), hw&0xFF)
	case hw&0xF800 == 0x2800:
		in.Text = fmt.Sprintf("cmp %s, #%d", reg(hw>>8&7), hw&0xFF)
	case hw&0xF800 == 0x3000:
		in.Text = fmt.Sprintf("adds %s, #%d", reg(hw>>8&7), hw&0xFF)
	case hw&0xF800 == 0x3800:
		in.Text = fmt.Sprintf("subs %s, #%d", reg(hw>>8&7), hw&0xFF)
	case hw&0xF800 == 0x4800:
		in.Text = fmt.Sprintf("ldr %s, [pc, #%d]", reg(hw>>8&7), (hw&0xFF)*4)
	case hw&0xF800 == 0x6800:
		in.Text = fmt.Sprintf("ldr %s, [%s, #%d]", reg(hw&7), reg(hw>>3&7), (hw>>6&0x1F)*4)
	case hw&0xF800 == 0x6000:
		in.Text = fmt.Sprintf("str %s, [%s, #%d]", reg(hw&7), reg(hw>>3&7), (hw>>6&0x1F)*4)
	case hw&0xFF80 == 0xB080:
		in.Text = fmt.Sprintf("sub sp, #%d", (hw&0x7F)*4)
	case hw&0xFF80 == 0xB000:
		in.Text = fmt.Sprintf("add sp, #%d", (hw&0x7F)*4)
	case hw&0xF000 == 0xD000 && hw>>8&0xF < 0xE:
		off := int64(int8(hw&0xFF)) * 2
		in.Text = fmt.Sprintf("b%s %#x", condNames[hw>>8&0xF], uint64(int64(addr)+4+off))
	case hw&0xF800 == 0xE000:
		off := int64(hw & 0x7FF)
		if off&0x400 != 0 {
			off -= 0x800
		}
		in.Text = fmt.Sprintf("b %#x", uint64(int64(addr)+4+off*2))
	default:
		in.Text = fmt.Sprintf(".short %#04x", hw)
	}
	return in
}

func decodeThumb32(hi, lo uint16, addr uint64) Inst {
	in := Inst{Addr: addr, Len: 4}
	// BL / BLX immediate: 11110 S imm10 : 11 J1 x J2 imm11
	if hi&0xF800 == 0xF000 && lo&0xC000 == 0xC000 {
		s := uint32(hi>>10) & 1
		j1 := uint32(lo>>13) & 1
		j2 := uint32(lo>>11) & 1
		i1 := ^(j1 ^ s) & 1
		i2 := ^(j2 ^ s) & 1
		imm := s<<24 | i1<<23 | i2<<22 | uint32(hi&0x3FF)<<12 | uint32(lo&0x7FF)<<1
		off := int64(int32(imm << 7)) >> 7 // sign extend 25 bits
		dest := uint64(int64(addr) + 4 + off)
		if lo&0x1000 != 0 {
			in.Text = fmt.Sprintf("bl %#x", dest)
		} else {
			in.Text = fmt.Sprintf("blx %#x", dest&^3)
		}
		in.IsCall = true
		return in
	}
	in.Text = fmt.Sprintf(".word %#04x%04x", lo, hi)
	return in
}

func regList(mask uint16, extra uint16) string {
	s := ""
	for i := uint16(0); i < 9; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		r := i
		if i == 8 {
			r = extra // PC on pop, LR on push
		}
		if s != "" {
			s += ", "
		}
		s += reg(r)
	}
	return s
}
