package probe

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"mcudbg/api"
)

// GdbRemote drives a target through the GDB remote serial protocol over TCP.
// ST-Link, J-Link and CMSIS-DAP adapters are reached through their stub
// servers; QEMU exposes the same surface directly.
type GdbRemote struct {
	conn    net.Conn
	addr    string
	info    api.ProbeInfo
	running bool
}

const (
	ackTimeout   = 2 * time.Second
	replyTimeout = 5 * time.Second
	pollTimeout  = 20 * time.Millisecond
)

func Connect(addr string, info api.ProbeInfo) (*GdbRemote, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, api.Errorf(api.ErrTransportFault, "connect %s: %v", addr, err)
	}

	g := &GdbRemote{conn: conn, addr: addr, info: info}
	if _, err := conn.Write([]byte("+")); err != nil {
		conn.Close()
		return nil, api.Errorf(api.ErrTransportFault, "connect %s: %v", addr, err)
	}
	return g, nil
}

func (g *GdbRemote) Info() api.ProbeInfo { return g.info }

func (g *GdbRemote) Close() error {
	if g.conn == nil {
		return nil
	}
	g.sendPacket("D")
	err := g.conn.Close()
	g.conn = nil
	return err
}

func (g *GdbRemote) fault(op string, err error) error {
	return api.Errorf(api.ErrTransportFault, "%s: %v", op, err)
}

func (g *GdbRemote) sendPacket(data string) error {
	checksum := byte(0)
	for i := 0; i < len(data); i++ {
		checksum += data[i]
	}
	packet := fmt.Sprintf("$%s#%02x", data, checksum)

	for retry := 0; retry < 3; retry++ {
		if _, err := g.conn.Write([]byte(packet)); err != nil {
			return g.fault("send", err)
		}

		g.conn.SetReadDeadline(time.Now().Add(ackTimeout))
		ackBuf := make([]byte, 1)
		n, err := g.conn.Read(ackBuf)
		g.conn.SetReadDeadline(time.Time{})

		if err != nil {
			if retry < 2 {
				continue
			}
			return g.fault("ack", err)
		}
		if n > 0 && ackBuf[0] == '+' {
			return nil
		}
		if n > 0 && ackBuf[0] == '-' {
			continue
		}
		return nil
	}
	return api.Errorf(api.ErrTransportFault, "packet not acked after 3 retries")
}

func (g *GdbRemote) recvPacket(timeout time.Duration) (string, error) {
	g.conn.SetReadDeadline(time.Now().Add(timeout))
	defer g.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 8192)
	n, err := g.conn.Read(buf)
	if err != nil {
		return "", err
	}
	response := string(buf[:n])

	response = strings.TrimPrefix(response, "+")
	response = strings.TrimPrefix(response, "-")
	if start := strings.Index(response, "$"); start >= 0 {
		end := strings.Index(response, "#")
		if end > start && end+2 < len(response) {
			data := response[start+1 : end]
			sum := byte(0)
			for i := 0; i < len(data); i++ {
				sum += data[i]
			}
			var got byte
			fmt.Sscanf(response[end+1:end+3], "%02x", &got)
			if sum != got {
				g.conn.Write([]byte("-"))
				return "", fmt.Errorf("checksum mismatch")
			}
			g.conn.Write([]byte("+"))
			return data, nil
		}
	}

	response = strings.TrimSpace(response)
	if response != "" {
		g.conn.Write([]byte("+"))
	}
	return response, nil
}

func (g *GdbRemote) exchange(cmd string) (string, error) {
	if err := g.sendPacket(cmd); err != nil {
		return "", err
	}
	resp, err := g.recvPacket(replyTimeout)
	if err != nil {
		return "", g.fault(cmd, err)
	}
	return resp, nil
}

func (g *GdbRemote) ReadMemory(addr uint64, buf []byte) error {
	resp, err := g.exchange(fmt.Sprintf("m%x,%x", addr, len(buf)))
	if err != nil {
		return err
	}
	if resp == "" || strings.HasPrefix(resp, "E") {
		return api.Errorf(api.ErrTransportFault, "read %#x+%d: stub error %q", addr, len(buf), resp)
	}
	data, err := hex.DecodeString(resp)
	if err != nil || len(data) != len(buf) {
		return api.Errorf(api.ErrTransportFault, "read %#x: bad reply", addr)
	}
	copy(buf, data)
	return nil
}

func (g *GdbRemote) WriteMemory(addr uint64, data []byte) error {
	cmd := fmt.Sprintf("M%x,%x:%s", addr, len(data), hex.EncodeToString(data))
	resp, err := g.exchange(cmd)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return api.Errorf(api.ErrTransportFault, "write %#x+%d: stub error %q", addr, len(data), resp)
	}
	return nil
}

// ReadRegisters parses the 'g' reply. Old ARM stubs insert eight 12-byte FPA
// registers between r15 and xpsr; both layouts are accepted.
func (g *GdbRemote) ReadRegisters() ([NumRegs]uint64, error) {
	var regs [NumRegs]uint64
	resp, err := g.exchange("g")
	if err != nil {
		return regs, err
	}
	data, err := hex.DecodeString(strings.TrimSpace(resp))
	if err != nil {
		return regs, api.Errorf(api.ErrTransportFault, "registers: bad reply")
	}
	if len(data) < 16*4 {
		return regs, api.Errorf(api.ErrTransportFault, "registers: short reply (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		regs[i] = uint64(binary.LittleEndian.Uint32(data[i*4:]))
	}
	switch {
	case len(data) >= 16*4+8*12+4:
		regs[RegXPSR] = uint64(binary.LittleEndian.Uint32(data[16*4+8*12:]))
	case len(data) >= 17*4:
		regs[RegXPSR] = uint64(binary.LittleEndian.Uint32(data[16*4:]))
	}
	return regs, nil
}

func (g *GdbRemote) WriteRegister(idx int, value uint64) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(value))
	resp, err := g.exchange(fmt.Sprintf("P%x=%s", idx, hex.EncodeToString(buf)))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return api.Errorf(api.ErrTransportFault, "write register %d: stub error %q", idx, resp)
	}
	return nil
}

// Resume sends 'c' and returns without waiting for a stop reply; the reply
// arrives later and is consumed by Status or Halt.
func (g *GdbRemote) Resume() error {
	if err := g.sendPacket("c"); err != nil {
		return err
	}
	g.running = true
	return nil
}

// Halt interrupts a running target with the 0x03 break byte and consumes the
// stop reply.
func (g *GdbRemote) Halt() error {
	if !g.running {
		return nil
	}
	if _, err := g.conn.Write([]byte{0x03}); err != nil {
		return g.fault("interrupt", err)
	}
	if _, err := g.recvPacket(replyTimeout); err != nil {
		return g.fault("interrupt", err)
	}
	g.running = false
	return nil
}

func (g *GdbRemote) Step() error {
	if err := g.sendPacket("s"); err != nil {
		return err
	}
	if _, err := g.recvPacket(replyTimeout); err != nil {
		return g.fault("step", err)
	}
	g.running = false
	return nil
}

func (g *GdbRemote) Reset() error {
	// 'R' carries no reply. The core comes up halted at the reset vector on
	// stubs configured with halt-on-reset; otherwise the next Halt catches it.
	if err := g.sendPacket("R00"); err != nil {
		return err
	}
	g.running = false
	return nil
}

// Status drains a pending stop reply, if any, with a short poll so that a
// breakpoint hit flips the transport to halted without blocking the caller.
func (g *GdbRemote) Status() (Status, error) {
	if !g.running {
		return StatusHalted, nil
	}
	resp, err := g.recvPacket(pollTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return StatusRunning, nil
		}
		return StatusRunning, g.fault("status", err)
	}
	if strings.HasPrefix(resp, "T") || strings.HasPrefix(resp, "S") {
		g.running = false
		return StatusHalted, nil
	}
	return StatusRunning, nil
}

func (g *GdbRemote) SetHWBreakpoint(addr uint64) error {
	resp, err := g.exchange(fmt.Sprintf("Z1,%x,2", addr))
	if err != nil {
		return err
	}
	if resp != "OK" && resp != "" {
		return api.Errorf(api.ErrTransportFault, "hw breakpoint %#x: stub error %q", addr, resp)
	}
	return nil
}

func (g *GdbRemote) ClearHWBreakpoint(addr uint64) error {
	resp, err := g.exchange(fmt.Sprintf("z1,%x,2", addr))
	if err != nil {
		return err
	}
	if resp != "OK" && resp != "" {
		return api.Errorf(api.ErrTransportFault, "clear hw breakpoint %#x: stub error %q", addr, resp)
	}
	return nil
}
