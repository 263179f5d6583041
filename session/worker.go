package session

import (
	"encoding/binary"
	"time"

	"mcudbg/api"
	"mcudbg/bp"
	"mcudbg/disasm"
	"mcudbg/memory"
	"mcudbg/probe"
	"mcudbg/rtos"
	"mcudbg/rtt"
	"mcudbg/target"
)

// worker is the only goroutine that touches the transport. Commands arrive
// over the controller's channels; polls run between them.
type worker struct {
	c     *Controller
	state api.SessionState

	t       probe.Transport
	desc    *target.Description
	mem     *memory.Accessor
	bps     *bp.Manager
	rtt     *rtt.Manager
	intro   *rtos.Introspector
	watches *memory.WatchSet

	regs [probe.NumRegs]uint64
	pc   uint64

	attachReq *api.AttachRequest
	faultedAt time.Time
	tick      int
}

func (w *worker) run() {
	defer close(w.c.done)
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	for {
		// Manual commands jump the queue.
		select {
		case req := <-w.c.manualCh:
			w.preempt(req)
			continue
		case <-w.c.quit:
			w.teardown()
			return
		default:
		}

		select {
		case req := <-w.c.manualCh:
			w.preempt(req)
		case req := <-w.c.autoCh:
			w.dispatch(req)
		case <-ticker.C:
			w.poll()
		case <-w.c.quit:
			w.teardown()
			return
		}
	}
}

// preempt runs a manual command. If it drives execution, queued programmatic
// execution-control commands are failed with ControlConflict rather than
// silently skipped; other queued commands run afterwards.
func (w *worker) preempt(req *request) {
	var deferred []*request
	if execControl(req.cmd.Name) {
	drain:
		for {
			select {
			case q := <-w.c.autoCh:
				if execControl(q.cmd.Name) {
					err := api.Errorf(api.ErrControlConflict,
						"%s preempted by manual %s", q.cmd.Name, req.cmd.Name)
					w.complete(q, api.Event{}, err)
				} else {
					deferred = append(deferred, q)
				}
			default:
				break drain
			}
		}
	}
	w.dispatch(req)
	for _, q := range deferred {
		w.dispatch(q)
	}
}

func (w *worker) dispatch(req *request) {
	ev, err := w.handle(req.cmd)
	w.complete(req, ev, err)
}

func (w *worker) complete(req *request, ev api.Event, err error) {
	if err != nil {
		w.c.cfg.Log.Debug("command failed", "cmd", req.cmd.Name, "err", err)
		w.publish(api.Event{Name: api.EventError, CommandID: req.cmd.ID, Error: api.AsError(err)})
		req.resp <- response{err: err}
		return
	}
	ev.CommandID = req.cmd.ID
	w.publish(ev)
	req.resp <- response{ev: ev}
}

func (w *worker) publish(ev api.Event) {
	w.c.cfg.Bus.Publish(ev)
}

func (w *worker) attached() bool {
	return w.state == api.StateRunning || w.state == api.StateHalted
}

// fault moves the session to Faulted: the in-flight command already failed
// with TransportFault, every later command fails fast, and the reattach loop
// arms.
func (w *worker) fault(err error) {
	w.c.cfg.Log.Error("transport fault", "err", err)
	if w.t != nil {
		w.t.Close()
	}
	w.state = api.StateFaulted
	w.faultedAt = time.Now()
	w.publish(api.Event{Name: api.EventFault, Fault: &api.FaultEvent{Message: err.Error()}})
}

// check wraps transport-level failures into the fault transition.
func (w *worker) check(err error) error {
	if err != nil && api.CodeOf(err) == api.ErrTransportFault {
		w.fault(err)
	}
	return err
}

func (w *worker) teardown() {
	if w.t != nil {
		w.t.Close()
		w.t = nil
	}
	w.state = api.StateDisconnected
}

func (w *worker) handle(cmd api.Command) (api.Event, error) {
	switch cmd.Name {
	case api.CmdAttach:
		return w.attach(cmd.Attach)
	case api.CmdStatus:
		return api.Event{Name: api.EventStatus, Status: &api.StatusEvent{State: w.state, PC: w.pc}}, nil
	case api.CmdListProbes:
		return w.listProbes()
	case api.CmdLoadSymbols:
		return w.loadSymbols(cmd.LoadSymbols)
	case api.CmdLoadSvd:
		return w.loadSvd(cmd.LoadSvd)
	case api.CmdAddWatch:
		return w.addWatch(cmd.AddWatch)
	case api.CmdRemoveWatch:
		return w.removeWatch(cmd.RemoveWatch)
	}

	if cmd.Name == api.CmdDetach {
		// Detach also cancels a pending reattach after a fault.
		if w.state == api.StateFaulted {
			w.attachReq = nil
			w.state = api.StateDisconnected
			return api.Event{Name: api.EventDetached}, nil
		}
		if !w.attached() {
			return api.Event{}, api.Errorf(api.ErrNotAttached, "no target attached")
		}
		return w.detach()
	}

	if w.state == api.StateFaulted {
		return api.Event{}, api.Errorf(api.ErrTransportFault, "session faulted, reattach pending")
	}
	if !w.attached() {
		return api.Event{}, api.Errorf(api.ErrNotAttached, "no target attached")
	}

	switch cmd.Name {
	case api.CmdHalt:
		return w.halt()
	case api.CmdResume:
		return w.resume()
	case api.CmdStep:
		if cmd.Step == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "step needs a kind")
		}
		return w.step(cmd.Step.Kind)
	case api.CmdReset:
		return w.reset()
	case api.CmdSetBreakpoint:
		if cmd.SetBreakpoint == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing breakpoint payload")
		}
		if err := w.check(w.bps.Set(cmd.SetBreakpoint.Addr, cmd.SetBreakpoint.Kind)); err != nil {
			return api.Event{}, err
		}
		return api.Event{Name: api.EventBreakpoints, Breakpoints: w.bps.List()}, nil
	case api.CmdClearBp:
		if cmd.ClearBp == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing breakpoint payload")
		}
		if err := w.check(w.bps.Clear(cmd.ClearBp.Addr)); err != nil {
			return api.Event{}, err
		}
		return api.Event{Name: api.EventBreakpoints, Breakpoints: w.bps.List()}, nil
	case api.CmdListBps:
		return api.Event{Name: api.EventBreakpoints, Breakpoints: w.bps.List()}, nil
	case api.CmdReadMemory:
		return w.readMemory(cmd.ReadMemory)
	case api.CmdWriteMemory:
		return w.writeMemory(cmd.WriteMemory)
	case api.CmdReadRegisters:
		return w.readRegisters()
	case api.CmdWriteRegister:
		return w.writeRegister(cmd.WriteRegister)
	case api.CmdReadPeripheral:
		if cmd.ReadPeripheral == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing peripheral payload")
		}
		ev, err := w.c.cfg.Svd.Read(w.mem, cmd.ReadPeripheral.Peripheral, cmd.ReadPeripheral.Register)
		if err != nil {
			return api.Event{}, w.check(err)
		}
		return api.Event{Name: api.EventPeripheral, Peripheral: ev}, nil
	case api.CmdWriteField:
		if cmd.WriteField == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing field payload")
		}
		f := cmd.WriteField
		if err := w.check(w.c.cfg.Svd.WriteField(w.mem, f.Peripheral, f.Register, f.Field, f.Value)); err != nil {
			return api.Event{}, err
		}
		return api.Event{Name: api.EventOk}, nil
	case api.CmdRttWrite:
		if cmd.RttWrite == nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing rtt payload")
		}
		if _, err := w.rtt.Write(w.mem, cmd.RttWrite.Channel, cmd.RttWrite.Data); err != nil {
			return api.Event{}, w.check(err)
		}
		return api.Event{Name: api.EventOk}, nil
	case api.CmdRttRescan:
		st := w.rtt.Rescan(w.mem, w.snapshot())
		return api.Event{Name: api.EventRttStatus,
			RttStatus: &api.RttStatusEvent{Status: st.String(), Channels: w.rtt.Channels()}}, nil
	case api.CmdStackTrace:
		return w.stackTrace()
	case api.CmdListTasks:
		return w.listTasks()
	case api.CmdDisassemble:
		return w.disassemble(cmd.Disassemble)
	}
	return api.Event{}, api.Errorf(api.ErrInvalidCommand, "unknown command %q", cmd.Name)
}

// snapshot returns the symbol view, nil before the first load. rtt and rtos
// take the interface so a nil works.
func (w *worker) snapshot() rtt.SymbolLookup {
	if snap := w.c.cfg.Symbols.Snapshot(); snap != nil {
		return snap
	}
	return nil
}

func (w *worker) attach(req *api.AttachRequest) (api.Event, error) {
	if w.attached() {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "already attached")
	}
	if req == nil {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing attach payload")
	}

	desc, err := target.Lookup(req.Chip)
	if err != nil {
		desc, err = target.LoadFile(req.Chip)
		if err != nil {
			return api.Event{}, api.Errorf(api.ErrInvalidCommand, "chip %q unknown and not a chip file", req.Chip)
		}
	}

	w.state = api.StateAttaching
	t, err := w.c.cfg.Connect(req, desc)
	if err != nil {
		w.state = api.StateDisconnected
		return api.Event{}, err
	}

	w.t = t
	w.desc = desc
	w.mem = memory.New(t, desc)
	w.bps = bp.NewManager(t, desc)
	w.rtt = rtt.NewManager()
	w.intro = rtos.NewIntrospector()
	w.watches = memory.NewWatchSet()
	w.attachReq = req

	// A new session never inherits breakpoints.
	if err := w.bps.ClearAll(); err != nil {
		return api.Event{}, w.attachAbort(err)
	}

	st, err := t.Status()
	if err != nil {
		return api.Event{}, w.attachAbort(err)
	}
	if st == probe.StatusHalted {
		regs, err := t.ReadRegisters()
		if err != nil {
			return api.Event{}, w.attachAbort(err)
		}
		w.regs = regs
		w.pc = regs[probe.RegPC]
		w.state = api.StateHalted
	} else {
		w.state = api.StateRunning
	}

	w.rtt.Locate(w.mem, w.snapshot())

	protocol := req.Protocol
	if protocol == "" {
		protocol = "swd"
	}
	ev := api.Event{Name: api.EventAttached, Attached: &api.AttachedEvent{
		Probe:    t.Info(),
		Chip:     desc.Name,
		Protocol: protocol,
		ClockHz:  req.ClockHz,
	}}
	w.c.cfg.Log.Info("attached", "chip", desc.Name, "probe", t.Info().Product, "state", w.state)
	return ev, nil
}

// attachAbort unwinds a half-built attach. A session that never came up ends
// Disconnected, with no fault broadcast and no reattach armed.
func (w *worker) attachAbort(err error) error {
	if w.t != nil {
		w.t.Close()
		w.t = nil
	}
	w.attachReq = nil
	w.state = api.StateDisconnected
	return err
}

func (w *worker) detach() (api.Event, error) {
	w.state = api.StateDetaching
	w.bps.ClearTemporaries()
	w.t.Close()
	w.t = nil
	w.attachReq = nil
	w.state = api.StateDisconnected
	w.c.cfg.Log.Info("detached")
	return api.Event{Name: api.EventDetached}, nil
}

// refreshRegs caches the register file while halted.
func (w *worker) refreshRegs() error {
	regs, err := w.t.ReadRegisters()
	if err != nil {
		w.fault(err)
		return err
	}
	w.regs = regs
	w.pc = regs[probe.RegPC]
	return nil
}

func (w *worker) haltedEvent(reason api.HaltReason) api.Event {
	ipsr := w.regs[probe.RegXPSR] & 0x1FF
	return api.Event{Name: api.EventHalted, Halted: &api.HaltedEvent{
		PC:           w.pc,
		Reason:       reason,
		FaultHandler: ipsr >= 3 && ipsr <= 6,
	}}
}

// halt is idempotent: when the core is already halted it answers from the
// cached state without a single hardware transaction.
func (w *worker) halt() (api.Event, error) {
	if w.state == api.StateHalted {
		return w.haltedEvent(api.HaltRequest), nil
	}
	if err := w.t.Halt(); err != nil {
		w.fault(err)
		return api.Event{}, err
	}
	if err := w.refreshRegs(); err != nil {
		return api.Event{}, err
	}
	w.state = api.StateHalted
	return w.haltedEvent(api.HaltRequest), nil
}

// resume is fire and forget: the completion only acknowledges that the core
// was told to run.
func (w *worker) resume() (api.Event, error) {
	if w.state == api.StateRunning {
		return api.Event{Name: api.EventResumed}, nil
	}
	if err := w.t.Resume(); err != nil {
		w.fault(err)
		return api.Event{}, err
	}
	w.state = api.StateRunning
	return api.Event{Name: api.EventResumed}, nil
}

func (w *worker) reset() (api.Event, error) {
	if err := w.t.Reset(); err != nil {
		w.fault(err)
		return api.Event{}, err
	}
	// RAM reloads on reset; software patches must be re-applied.
	if err := w.check(w.bps.Rearm()); err != nil {
		return api.Event{}, err
	}
	if err := w.refreshRegs(); err != nil {
		return api.Event{}, err
	}
	w.state = api.StateHalted
	return w.haltedEvent(api.HaltReset), nil
}

func (w *worker) readMemory(req *api.ReadMemoryRequest) (api.Event, error) {
	if req == nil || req.Size == 0 {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing or empty read")
	}
	if req.Size > 1<<20 {
		return api.Event{}, api.Errorf(api.ErrLimitExceeded, "read of %d bytes", req.Size)
	}
	buf := make([]byte, req.Size)
	if err := w.check(w.mem.ReadWidth(req.Addr, buf, req.Width)); err != nil {
		return api.Event{}, err
	}
	return api.Event{Name: api.EventMemory, Memory: &api.MemoryEvent{Addr: req.Addr, Data: buf}}, nil
}

func (w *worker) writeMemory(req *api.WriteMemoryRequest) (api.Event, error) {
	if req == nil || len(req.Data) == 0 {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing or empty write")
	}
	if err := w.check(w.mem.WriteWidth(req.Addr, req.Data, req.Width)); err != nil {
		return api.Event{}, err
	}
	return api.Event{Name: api.EventOk}, nil
}

func (w *worker) readRegisters() (api.Event, error) {
	if w.state != api.StateHalted {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "registers need a halted core")
	}
	out := make([]api.RegisterValue, probe.NumRegs)
	for i, v := range w.regs {
		out[i] = api.RegisterValue{Name: probe.RegNames[i], Value: v}
	}
	return api.Event{Name: api.EventRegisters, Registers: out}, nil
}

func (w *worker) writeRegister(req *api.WriteRegRequest) (api.Event, error) {
	if req == nil {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing register payload")
	}
	if w.state != api.StateHalted {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "registers need a halted core")
	}
	idx := probe.RegIndex(req.Name)
	if idx < 0 {
		return api.Event{}, api.Errorf(api.ErrNotFound, "register %q", req.Name)
	}
	if err := w.t.WriteRegister(idx, req.Value); err != nil {
		w.fault(err)
		return api.Event{}, err
	}
	w.regs[idx] = req.Value
	if idx == probe.RegPC {
		w.pc = req.Value
	}
	return api.Event{Name: api.EventOk}, nil
}

func (w *worker) stackTrace() (api.Event, error) {
	if w.state != api.StateHalted {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "stack trace needs a halted core")
	}
	snap := w.c.cfg.Symbols.Snapshot()
	if snap == nil {
		return api.Event{}, api.Errorf(api.ErrMalformedSymbols, "no symbols loaded")
	}
	frames, truncated, err := snap.Unwind(
		w.regs[probe.RegPC], w.regs[probe.RegSP], w.regs[probe.RegLR],
		w.mem, w.desc.InRam)
	ev := api.Event{Name: api.EventStack, Stack: &api.StackEvent{Frames: frames, Truncated: truncated}}
	if err != nil {
		if api.CodeOf(err) == api.ErrTransportFault {
			w.fault(err)
			return api.Event{}, err
		}
		// Partial frames still go out with the error.
		ev.Error = api.AsError(err)
		return ev, nil
	}
	return ev, nil
}

func (w *worker) listTasks() (api.Event, error) {
	snap := w.c.cfg.Symbols.Snapshot()
	if snap == nil {
		return api.Event{}, api.Errorf(api.ErrNotFound, "no symbols loaded")
	}
	tasks, err := w.intro.Snapshot(w.mem, snap)
	if err != nil {
		return api.Event{}, w.check(err)
	}
	return api.Event{Name: api.EventTasks, Tasks: tasks}, nil
}

func (w *worker) disassemble(req *api.DisassembleRequest) (api.Event, error) {
	if req == nil || req.Count <= 0 {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing disassemble payload")
	}
	if req.Count > 256 {
		return api.Event{}, api.Errorf(api.ErrLimitExceeded, "disassembly of %d instructions", req.Count)
	}
	buf := make([]byte, req.Count*4+4)
	addr := req.Addr &^ 1
	if err := w.check(w.mem.Read(addr, buf)); err != nil {
		return api.Event{}, err
	}
	// Software breakpoints show the original instruction, not the patch.
	for off := 0; off+2 <= len(buf); off += 2 {
		if orig, ok := w.bps.OrigBytes(addr + uint64(off)); ok {
			copy(buf[off:off+2], orig)
		}
	}
	thumb := w.desc.Core != "" && w.desc.Core[0] == 'c' // cortex-*
	return api.Event{Name: api.EventDisassembly,
		Disassembly: disasm.Block(buf, addr, req.Count, thumb)}, nil
}

func (w *worker) listProbes() (api.Event, error) {
	var probes []api.ProbeInfo
	if w.t != nil {
		probes = append(probes, w.t.Info())
	}
	probes = append(probes, api.ProbeInfo{Vendor: "simulator", Product: "built-in simulator"})
	return api.Event{Name: api.EventProbes, Probes: probes}, nil
}

func (w *worker) loadSymbols(req *api.LoadFileRequest) (api.Event, error) {
	if req == nil || req.Path == "" {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing path")
	}
	if _, err := w.c.cfg.Symbols.Load(req.Path); err != nil {
		return api.Event{}, err
	}
	return api.Event{Name: api.EventSymbolsLoaded}, nil
}

func (w *worker) loadSvd(req *api.LoadSvdRequest) (api.Event, error) {
	if req == nil || req.Path == "" {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing path")
	}
	if err := w.c.cfg.Svd.Load(req.Path, req.OverlayPath); err != nil {
		return api.Event{}, err
	}
	return api.Event{Name: api.EventSvdLoaded}, nil
}

func (w *worker) addWatch(req *api.WatchRequest) (api.Event, error) {
	if req == nil || req.Name == "" {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing watch payload")
	}
	if !w.attached() {
		return api.Event{}, api.Errorf(api.ErrNotAttached, "no target attached")
	}
	addr := req.Addr
	if req.Symbol != "" {
		snap := w.c.cfg.Symbols.Snapshot()
		if snap == nil {
			return api.Event{}, api.Errorf(api.ErrNotFound, "no symbols loaded")
		}
		a, ok := snap.LookupSymbol(req.Symbol)
		if !ok {
			return api.Event{}, api.Errorf(api.ErrNotFound, "symbol %q", req.Symbol)
		}
		addr = a
	}
	width := req.Width
	if width <= 0 || width > 8 {
		width = 4
	}
	if err := w.watches.Add(req.Name, addr, width); err != nil {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "%v", err)
	}
	return api.Event{Name: api.EventOk}, nil
}

func (w *worker) removeWatch(req *api.RemoveWatchRequest) (api.Event, error) {
	if req == nil {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "missing watch payload")
	}
	if !w.attached() {
		return api.Event{}, api.Errorf(api.ErrNotAttached, "no target attached")
	}
	if !w.watches.Remove(req.Name) {
		return api.Event{}, api.Errorf(api.ErrNotFound, "watch %q", req.Name)
	}
	return api.Event{Name: api.EventOk}, nil
}

// poll runs the periodic work between commands: running-state detection,
// RTT drain, task-switch sampling, watch sampling, and the reattach loop
// after a fault.
func (w *worker) poll() {
	w.tick++

	if w.state == api.StateFaulted {
		if w.attachReq != nil && time.Since(w.faultedAt) >= reattachWait {
			w.tryReattach()
		}
		return
	}
	if !w.attached() {
		return
	}

	if w.state == api.StateRunning {
		st, err := w.t.Status()
		if err != nil {
			w.fault(err)
			return
		}
		if st == probe.StatusHalted {
			if err := w.refreshRegs(); err != nil {
				return
			}
			// A semihosting trap is serviced and resumed without surfacing
			// as a halt; on a service error the stop is reported normally.
			if handled, _ := w.semihost(); handled {
				return
			}
			if w.state == api.StateFaulted {
				return
			}
			w.state = api.StateHalted
			reason := api.HaltRequest
			if w.bps.Has(w.pc) {
				reason = api.HaltBreakpoint
			}
			// An async stop must never leave a step's breakpoint behind.
			w.bps.ClearTemporaries()
			w.publish(w.haltedEvent(reason))
		}
	}

	if w.rtt.Status() == rtt.StatusPending && w.tick%50 == 0 {
		w.rtt.Locate(w.mem, w.snapshot())
	}
	if w.rtt.Status() == rtt.StatusAttached {
		events, err := w.rtt.Poll(w.mem)
		if err != nil {
			w.check(err)
			return
		}
		for _, ev := range events {
			e := ev
			w.publish(api.Event{Name: api.EventRttData, RttData: &e})
		}
	}

	if w.state == api.StateRunning && w.tick%rtosEvery == 0 {
		if snap := w.c.cfg.Symbols.Snapshot(); snap != nil {
			sw, err := w.intro.PollSwitch(w.mem, snap)
			if err != nil {
				w.check(err)
				return
			}
			if sw != nil {
				w.publish(api.Event{Name: api.EventTaskSwitch, TaskSwitch: sw})
			}
		}
	}

	if w.tick%watchEvery == 0 && w.watches.Len() > 0 {
		changes, err := w.watches.Poll(w.mem)
		if err != nil {
			w.check(err)
			return
		}
		for _, ch := range changes {
			w.publish(api.Event{Name: api.EventWatchChanged, Watch: &api.WatchChangeEvent{
				Name: ch.Name, Addr: ch.Addr, Old: ch.Old, New: ch.New,
			}})
		}
		now := time.Now()
		for _, v := range w.watches.Snapshot() {
			w.publish(api.Event{Name: api.EventPlotSample, PlotSample: &api.PlotSampleEvent{
				Name:      v.Name,
				Timestamp: now,
				Value:     float64(leUint(v.Data)),
			}})
		}
	}
}

func leUint(b []byte) uint64 {
	switch {
	case len(b) >= 8:
		return binary.LittleEndian.Uint64(b)
	case len(b) >= 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case len(b) >= 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case len(b) == 1:
		return uint64(b[0])
	}
	return 0
}

func (w *worker) tryReattach() {
	req := w.attachReq
	w.state = api.StateDisconnected
	ev, err := w.attach(req)
	if err != nil {
		// Keep the request so the next poll retries.
		w.attachReq = req
		w.state = api.StateFaulted
		w.faultedAt = time.Now()
		return
	}
	w.c.cfg.Log.Info("reattached after fault")
	w.publish(ev)
}
