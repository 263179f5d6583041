package svd

import (
	"sync"

	"mcudbg/api"
)

// RegisterIO is the memory slice the registry needs for live access.
type RegisterIO interface {
	ReadWord(addr uint64) (uint32, error)
	WriteWord(addr uint64, v uint32) error
	ReadHalf(addr uint64) (uint16, error)
	WriteHalf(addr uint64, v uint16) error
	ReadByte(addr uint64) (byte, error)
	Write(addr uint64, data []byte) error
}

// Registry holds the active device description. A failed load keeps the
// previous device usable; writeOnce bookkeeping resets on every load.
type Registry struct {
	mu      sync.Mutex
	dev     *Device
	written map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{written: make(map[string]bool)}
}

// Load parses the SVD file, applies the overlay when given, and swaps the
// result in.
func (rg *Registry) Load(svdPath, overlayPath string) error {
	dev, err := ParseFile(svdPath)
	if err != nil {
		return err
	}
	if overlayPath != "" {
		ov, err := LoadOverlay(overlayPath)
		if err != nil {
			return err
		}
		dev = ov.Apply(dev)
	}
	rg.mu.Lock()
	rg.dev = dev
	rg.written = make(map[string]bool)
	rg.mu.Unlock()
	return nil
}

func (rg *Registry) Device() *Device {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.dev
}

func (rg *Registry) lookup(periph, reg string) (*Register, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.dev == nil {
		return nil, api.Errorf(api.ErrNotFound, "no SVD loaded")
	}
	p, ok := rg.dev.Peripherals[periph]
	if !ok {
		return nil, api.Errorf(api.ErrNotFound, "peripheral %q", periph)
	}
	r, ok := p.Registers[reg]
	if !ok {
		return nil, api.Errorf(api.ErrNotFound, "register %s.%s", periph, reg)
	}
	return r, nil
}

func readRaw(io RegisterIO, r *Register) (uint64, error) {
	switch r.Size {
	case 8:
		v, err := io.ReadByte(r.Addr)
		return uint64(v), err
	case 16:
		v, err := io.ReadHalf(r.Addr)
		return uint64(v), err
	default:
		v, err := io.ReadWord(r.Addr)
		return uint64(v), err
	}
}

func writeRaw(io RegisterIO, r *Register, v uint64) error {
	switch r.Size {
	case 8:
		return io.Write(r.Addr, []byte{byte(v)})
	case 16:
		return io.WriteHalf(r.Addr, uint16(v))
	default:
		return io.WriteWord(r.Addr, uint32(v))
	}
}

// Read reads the register and decodes every field.
func (rg *Registry) Read(io RegisterIO, periph, reg string) (*api.PeripheralEvent, error) {
	r, err := rg.lookup(periph, reg)
	if err != nil {
		return nil, err
	}
	if !r.Access.readable() {
		return nil, api.Errorf(api.ErrProtectedRegion, "%s.%s is write-only", periph, reg)
	}
	raw, err := readRaw(io, r)
	if err != nil {
		return nil, err
	}
	ev := &api.PeripheralEvent{
		Peripheral: periph,
		Register:   reg,
		Addr:       r.Addr,
		Raw:        raw,
	}
	for _, f := range r.Fields {
		ev.Fields = append(ev.Fields, api.FieldValue{Name: f.Name, Value: f.Extract(raw)})
	}
	return ev, nil
}

// WriteField writes one field, enforcing its access class. Read-write
// registers are read-modify-written so sibling fields keep their values;
// write-only registers compose the word from the documented reset value.
func (rg *Registry) WriteField(io RegisterIO, periph, reg, field string, value uint64) error {
	r, err := rg.lookup(periph, reg)
	if err != nil {
		return err
	}
	f, ok := r.Fields[field]
	if !ok {
		return api.Errorf(api.ErrNotFound, "field %s.%s.%s", periph, reg, field)
	}
	if f.Access == AccessReadOnly {
		return api.Errorf(api.ErrReadOnlyField, "%s.%s.%s", periph, reg, field)
	}
	if !r.Access.writable() {
		return api.Errorf(api.ErrReadOnlyField, "register %s.%s is read-only", periph, reg)
	}
	if value > (uint64(1)<<f.Width)-1 {
		return api.Errorf(api.ErrInvalidCommand, "%#x exceeds %d-bit field %s", value, f.Width, field)
	}

	key := periph + "." + reg + "." + field
	if f.Access == AccessWriteOnce {
		rg.mu.Lock()
		done := rg.written[key]
		rg.mu.Unlock()
		if done {
			return api.Errorf(api.ErrWriteOnceViolation, "%s already written this session", key)
		}
	}

	var cur uint64
	if r.Access.readable() {
		cur, err = readRaw(io, r)
		if err != nil {
			return err
		}
	} else {
		cur = r.ResetValue
	}
	next := (cur &^ f.mask()) | ((value << f.Offset) & f.mask())
	if err := writeRaw(io, r, next); err != nil {
		return err
	}

	if f.Access == AccessWriteOnce {
		rg.mu.Lock()
		rg.written[key] = true
		rg.mu.Unlock()
	}
	return nil
}
