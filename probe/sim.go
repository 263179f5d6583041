package probe

import (
	"encoding/binary"
	"sync"

	"mcudbg/api"
	"mcudbg/target"
)

// Sim is an in-memory target used by tests and --sim runs. It does not
// execute code; Resume flips it to running and tests (or the console) drive
// halts through TriggerHalt.
type Sim struct {
	mu      sync.Mutex
	desc    *target.Description
	mem     map[string][]byte
	regs    [NumRegs]uint64
	running bool
	hwBps   map[uint64]bool
	closed  bool

	// Transactions counts every hardware operation the transport performed.
	Transactions int
	// FailNext makes the next operation fail with TransportFault, simulating
	// a cable pull mid-transaction.
	FailNext bool
}

func NewSim(desc *target.Description) *Sim {
	s := &Sim{
		desc:  desc,
		mem:   make(map[string][]byte),
		hwBps: make(map[uint64]bool),
	}
	for _, r := range desc.Regions {
		if r.Kind == target.RegionPeripheral {
			continue
		}
		s.mem[r.Name] = make([]byte, r.Length)
	}
	s.regs[RegPC] = desc.Regions[0].Base
	s.regs[RegSP] = 0
	return s
}

func (s *Sim) Info() api.ProbeInfo {
	return api.ProbeInfo{Vendor: "simulator", Product: s.desc.Name}
}

func (s *Sim) backing(addr uint64, size int) ([]byte, bool) {
	for _, r := range s.desc.Regions {
		if buf, ok := s.mem[r.Name]; ok && r.ContainsRange(addr, uint64(size)) {
			off := addr - r.Base
			return buf[off : off+uint64(size)], true
		}
	}
	return nil, false
}

func (s *Sim) step(op string) error {
	s.Transactions++
	if s.FailNext {
		s.FailNext = false
		s.closed = true
		return api.Errorf(api.ErrTransportFault, "%s: connection lost", op)
	}
	if s.closed {
		return api.Errorf(api.ErrTransportFault, "%s: transport closed", op)
	}
	return nil
}

func (s *Sim) ReadMemory(addr uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("read"); err != nil {
		return err
	}
	src, ok := s.backing(addr, len(buf))
	if !ok {
		return api.Errorf(api.ErrTransportFault, "read %#x+%d: unmapped", addr, len(buf))
	}
	copy(buf, src)
	return nil
}

func (s *Sim) WriteMemory(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("write"); err != nil {
		return err
	}
	dst, ok := s.backing(addr, len(data))
	if !ok {
		return api.Errorf(api.ErrTransportFault, "write %#x+%d: unmapped", addr, len(data))
	}
	copy(dst, data)
	return nil
}

func (s *Sim) ReadRegisters() ([NumRegs]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("registers"); err != nil {
		return [NumRegs]uint64{}, err
	}
	return s.regs, nil
}

func (s *Sim) WriteRegister(idx int, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("register write"); err != nil {
		return err
	}
	if idx < 0 || idx >= NumRegs {
		return api.Errorf(api.ErrInvalidAddress, "register index %d", idx)
	}
	s.regs[idx] = value
	return nil
}

func (s *Sim) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("halt"); err != nil {
		return err
	}
	s.running = false
	return nil
}

func (s *Sim) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("resume"); err != nil {
		return err
	}
	s.running = true
	return nil
}

func (s *Sim) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("step"); err != nil {
		return err
	}
	s.regs[RegPC] += 2
	s.running = false
	return nil
}

func (s *Sim) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("reset"); err != nil {
		return err
	}
	s.regs = [NumRegs]uint64{}
	s.regs[RegPC] = s.desc.Regions[0].Base
	s.running = false
	return nil
}

func (s *Sim) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("status"); err != nil {
		return StatusRunning, err
	}
	if s.running {
		return StatusRunning, nil
	}
	return StatusHalted, nil
}

func (s *Sim) SetHWBreakpoint(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("hw breakpoint"); err != nil {
		return err
	}
	s.hwBps[addr] = true
	return nil
}

func (s *Sim) ClearHWBreakpoint(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.step("clear hw breakpoint"); err != nil {
		return err
	}
	delete(s.hwBps, addr)
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// TriggerHalt stops a "running" sim at pc, as a breakpoint hit would.
func (s *Sim) TriggerHalt(pc uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.regs[RegPC] = pc
}

// Poke writes memory directly, bypassing the transaction counter. Test
// fixtures use it to lay out RTT blocks, task lists and stacks.
func (s *Sim) Poke(addr uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dst, ok := s.backing(addr, len(data)); ok {
		copy(dst, data)
	}
}

// PokeWord writes a little-endian 32-bit word directly.
func (s *Sim) PokeWord(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.Poke(addr, b[:])
}

// SetReg sets a register directly, bypassing the transaction counter.
func (s *Sim) SetReg(idx int, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[idx] = v
}

// HWBreakpoints returns the addresses currently armed in "hardware".
func (s *Sim) HWBreakpoints() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.hwBps))
	for a := range s.hwBps {
		out = append(out, a)
	}
	return out
}
