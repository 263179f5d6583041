// Package probe abstracts the debug adapter. The session worker holds the
// only reference to a Transport; nothing else in the engine touches the wire.
package probe

import (
	"fmt"

	"mcudbg/api"
)

type Status int

const (
	StatusRunning Status = iota
	StatusHalted
)

// Core register indices for the Cortex-M register file. RISC-V targets map
// their file onto the same indices for pc/sp.
const (
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 16
	NumRegs = 17
)

var RegNames = [NumRegs]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	"xpsr",
}

// RegIndex resolves an architectural register name, -1 when unknown.
func RegIndex(name string) int {
	for i, n := range RegNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Transport is the capability surface over one attached probe. Every method
// is a hardware transaction; implementations apply their own wire deadlines
// and wrap failures in api.ErrTransportFault.
type Transport interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
	ReadRegisters() ([NumRegs]uint64, error)
	WriteRegister(idx int, value uint64) error
	Halt() error
	Resume() error
	Step() error
	Reset() error
	Status() (Status, error)
	SetHWBreakpoint(addr uint64) error
	ClearHWBreakpoint(addr uint64) error
	Info() api.ProbeInfo
	Close() error
}

// Vendor IDs of the adapters we recognize when a stub reports one.
var vendorNames = map[uint16]string{
	0x0483: "ST-Link",
	0x1366: "J-Link",
	0x0D28: "CMSIS-DAP",
}

func VendorName(vid uint16) string {
	if n, ok := vendorNames[vid]; ok {
		return n
	}
	return "unknown"
}

// InfoFromSelector builds probe identity from an attach selector. A
// "vid:pid" pair in lsusb form resolves the vendor ID to an adapter name;
// anything else rides along as the product string.
func InfoFromSelector(sel string) api.ProbeInfo {
	var vid, pid uint16
	if n, err := fmt.Sscanf(sel, "%04x:%04x", &vid, &pid); err == nil && n == 2 {
		return api.ProbeInfo{Vendor: VendorName(vid), Product: sel}
	}
	return api.ProbeInfo{Product: sel}
}
