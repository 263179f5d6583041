package svd

import (
	"os"

	"gopkg.in/yaml.v3"

	"mcudbg/api"
)

// Overlay patches a parsed device: vendor SVD files are routinely wrong
// about field widths and access classes, and the overlay is where those
// corrections live. Applying an overlay builds a new device; the parse tree
// it patches is never mutated.
type Overlay struct {
	Peripherals map[string]PeripheralPatch `yaml:"peripherals"`
}

type PeripheralPatch struct {
	Base      *uint64                  `yaml:"base"`
	Registers map[string]RegisterPatch `yaml:"registers"`
}

type RegisterPatch struct {
	Addr       *uint64               `yaml:"addr"`
	Access     *Access               `yaml:"access"`
	ResetValue *uint64               `yaml:"resetValue"`
	Fields     map[string]FieldPatch `yaml:"fields"`
}

type FieldPatch struct {
	Offset *uint   `yaml:"offset"`
	Width  *uint   `yaml:"width"`
	Access *Access `yaml:"access"`
}

func LoadOverlay(path string) (*Overlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: %v", path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, api.Errorf(api.ErrMalformedDescriptor, "%s: %v", path, err)
	}
	return &o, nil
}

// Apply merges the overlay over dev and returns the patched copy. Overlay
// values always win; entries naming unknown peripherals or registers are
// created rather than rejected, so an overlay can add what the SVD omits.
func (o *Overlay) Apply(dev *Device) *Device {
	out := cloneDevice(dev)
	for pname, pp := range o.Peripherals {
		p, ok := out.Peripherals[pname]
		if !ok {
			p = &Peripheral{Name: pname, Registers: make(map[string]*Register)}
			out.Peripherals[pname] = p
		}
		if pp.Base != nil {
			p.Base = *pp.Base
		}
		for rname, rp := range pp.Registers {
			r, ok := p.Registers[rname]
			if !ok {
				r = &Register{
					Name:   rname,
					Size:   32,
					Access: AccessReadWrite,
					Fields: make(map[string]*Field),
				}
				p.Registers[rname] = r
			}
			if rp.Addr != nil {
				r.Addr = *rp.Addr
			}
			if rp.Access != nil {
				r.Access = *rp.Access
			}
			if rp.ResetValue != nil {
				r.ResetValue = *rp.ResetValue
			}
			for fname, fp := range rp.Fields {
				f, ok := r.Fields[fname]
				if !ok {
					f = &Field{Name: fname, Width: 1, Access: r.Access}
					r.Fields[fname] = f
				}
				if fp.Offset != nil {
					f.Offset = *fp.Offset
				}
				if fp.Width != nil {
					f.Width = *fp.Width
				}
				if fp.Access != nil {
					f.Access = *fp.Access
				}
			}
		}
	}
	return out
}

func cloneDevice(dev *Device) *Device {
	out := &Device{Name: dev.Name, Peripherals: make(map[string]*Peripheral, len(dev.Peripherals))}
	for pn, p := range dev.Peripherals {
		np := &Peripheral{Name: p.Name, Base: p.Base, Registers: make(map[string]*Register, len(p.Registers))}
		for rn, r := range p.Registers {
			nr := &Register{
				Name:       r.Name,
				Addr:       r.Addr,
				Size:       r.Size,
				Access:     r.Access,
				ResetValue: r.ResetValue,
				Fields:     make(map[string]*Field, len(r.Fields)),
			}
			for fn, f := range r.Fields {
				nf := *f
				nr.Fields[fn] = &nf
			}
			np.Registers[rn] = nr
		}
		out.Peripherals[pn] = np
	}
	return out
}
