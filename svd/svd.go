// Package svd decodes CMSIS-SVD peripheral descriptions and answers
// field-level register reads and writes against a live target.
package svd

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mcudbg/api"
)

// svdInt accepts the numeric spellings SVD files use: decimal, 0x hex and
// the occasional binary #b form.
type svdInt uint64

func (v *svdInt) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*v = 0
		return nil
	}
	if strings.HasPrefix(s, "#") {
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 2, 64)
		if err != nil {
			return fmt.Errorf("bad binary literal %q", s)
		}
		*v = svdInt(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("bad numeric literal %q", s)
	}
	*v = svdInt(n)
	return nil
}

type Access string

const (
	AccessReadOnly  Access = "read-only"
	AccessWriteOnly Access = "write-only"
	AccessReadWrite Access = "read-write"
	AccessWriteOnce Access = "writeOnce"
)

func (a Access) readable() bool { return a != AccessWriteOnly }
func (a Access) writable() bool { return a != AccessReadOnly }

type xmlDevice struct {
	Name        string          `xml:"name"`
	Peripherals []xmlPeripheral `xml:"peripherals>peripheral"`
}

type xmlPeripheral struct {
	Name        string        `xml:"name"`
	DerivedFrom string        `xml:"derivedFrom,attr"`
	BaseAddress svdInt        `xml:"baseAddress"`
	Registers   []xmlRegister `xml:"registers>register"`
}

type xmlRegister struct {
	Name       string     `xml:"name"`
	Offset     svdInt     `xml:"addressOffset"`
	Size       svdInt     `xml:"size"`
	Access     Access     `xml:"access"`
	ResetValue svdInt     `xml:"resetValue"`
	Fields     []xmlField `xml:"fields>field"`
}

type xmlField struct {
	Name      string  `xml:"name"`
	BitOffset *svdInt `xml:"bitOffset"`
	BitWidth  *svdInt `xml:"bitWidth"`
	BitRange  string  `xml:"bitRange"`
	Lsb       *svdInt `xml:"lsb"`
	Msb       *svdInt `xml:"msb"`
	Access    Access  `xml:"access"`
}

// Field is the resolved bit slice of a register.
type Field struct {
	Name   string
	Offset uint
	Width  uint
	Access Access
}

func (f *Field) mask() uint64 {
	return ((uint64(1) << f.Width) - 1) << f.Offset
}

func (f *Field) Extract(raw uint64) uint64 {
	return (raw >> f.Offset) & ((uint64(1) << f.Width) - 1)
}

type Register struct {
	Name       string
	Addr       uint64
	Size       uint
	Access     Access
	ResetValue uint64
	Fields     map[string]*Field
}

type Peripheral struct {
	Name      string
	Base      uint64
	Registers map[string]*Register
}

type Device struct {
	Name        string
	Peripherals map[string]*Peripheral
}

// ParseFile reads an SVD document. Malformed input fails with
// MalformedDescriptor and leaves nothing half-built.
func ParseFile(path string) (*Device, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: %v", path, err)
	}
	return Parse(raw, path)
}

func Parse(raw []byte, name string) (*Device, error) {
	var xd xmlDevice
	if err := xml.Unmarshal(raw, &xd); err != nil {
		return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: %v", name, err)
	}
	if len(xd.Peripherals) == 0 {
		return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: no peripherals", name)
	}

	dev := &Device{Name: xd.Name, Peripherals: make(map[string]*Peripheral)}
	byName := make(map[string]*xmlPeripheral)
	for i := range xd.Peripherals {
		byName[xd.Peripherals[i].Name] = &xd.Peripherals[i]
	}

	for i := range xd.Peripherals {
		xp := &xd.Peripherals[i]
		regs := xp.Registers
		if len(regs) == 0 && xp.DerivedFrom != "" {
			if origin, ok := byName[xp.DerivedFrom]; ok {
				regs = origin.Registers
			}
		}
		p := &Peripheral{
			Name:      xp.Name,
			Base:      uint64(xp.BaseAddress),
			Registers: make(map[string]*Register),
		}
		for j := range regs {
			r, err := buildRegister(&regs[j], p.Base)
			if err != nil {
				return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: %s.%s: %v", name, xp.Name, regs[j].Name, err)
			}
			p.Registers[r.Name] = r
		}
		dev.Peripherals[p.Name] = p
	}
	return dev, nil
}

func buildRegister(xr *xmlRegister, base uint64) (*Register, error) {
	size := uint(xr.Size)
	if size == 0 {
		size = 32
	}
	if size != 8 && size != 16 && size != 32 {
		return nil, fmt.Errorf("unsupported register size %d", size)
	}
	access := xr.Access
	if access == "" {
		access = AccessReadWrite
	}
	r := &Register{
		Name:       xr.Name,
		Addr:       base + uint64(xr.Offset),
		Size:       size,
		Access:     access,
		ResetValue: uint64(xr.ResetValue),
		Fields:     make(map[string]*Field),
	}
	for i := range xr.Fields {
		f, err := buildField(&xr.Fields[i], r)
		if err != nil {
			return nil, err
		}
		r.Fields[f.Name] = f
	}
	return r, nil
}

func buildField(xf *xmlField, r *Register) (*Field, error) {
	var offset, width uint
	switch {
	case xf.BitOffset != nil && xf.BitWidth != nil:
		offset, width = uint(*xf.BitOffset), uint(*xf.BitWidth)
	case xf.Lsb != nil && xf.Msb != nil:
		if *xf.Msb < *xf.Lsb {
			return nil, fmt.Errorf("field %s: msb below lsb", xf.Name)
		}
		offset, width = uint(*xf.Lsb), uint(*xf.Msb-*xf.Lsb+1)
	case xf.BitRange != "":
		var msb, lsb uint
		s := strings.Trim(xf.BitRange, "[]")
		if _, err := fmt.Sscanf(s, "%d:%d", &msb, &lsb); err != nil || msb < lsb {
			return nil, fmt.Errorf("field %s: bad bitRange %q", xf.Name, xf.BitRange)
		}
		offset, width = lsb, msb-lsb+1
	default:
		return nil, fmt.Errorf("field %s: no bit position", xf.Name)
	}
	if width == 0 || offset+width > r.Size {
		return nil, fmt.Errorf("field %s: bits [%d,%d) exceed %d-bit register", xf.Name, offset, offset+width, r.Size)
	}
	access := xf.Access
	if access == "" {
		access = r.Access
	}
	return &Field{Name: xf.Name, Offset: offset, Width: width, Access: access}, nil
}
