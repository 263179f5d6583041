package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcudbg/api"
	"mcudbg/bp"
	"mcudbg/event"
	"mcudbg/memory"
	"mcudbg/probe"
	"mcudbg/rtos"
	"mcudbg/rtt"
	"mcudbg/svd"
	"mcudbg/symbols"
	"mcudbg/target"
)

// fixture owns a controller wired to simulators. Connect hands out a fresh
// simulator per attach so reattach-after-fault is exercised realistically.
type fixture struct {
	ctrl *Controller
	bus  *event.Bus

	mu  sync.Mutex
	sim *probe.Sim
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: event.NewBus()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ctrl = New(Config{
		Log:     log,
		Bus:     f.bus,
		Symbols: symbols.NewStore(log),
		Svd:     svd.NewRegistry(),
		Connect: func(req *api.AttachRequest, desc *target.Description) (probe.Transport, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sim = probe.NewSim(desc)
			return f.sim, nil
		},
		Timeout: 5 * time.Second,
	})
	f.ctrl.Start()
	t.Cleanup(f.ctrl.Stop)
	return f
}

func (f *fixture) target() *probe.Sim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sim
}

func (f *fixture) attach(t *testing.T) {
	t.Helper()
	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdAttach,
		Attach: &api.AttachRequest{Chip: "sim"}})
	require.NoError(t, err)
	require.Equal(t, api.EventAttached, ev.Name)
	require.Equal(t, "swd", ev.Attached.Protocol)
}

func waitFor(t *testing.T, sub *event.Subscriber, name string) api.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 3s", name)
		}
	}
}

func TestHaltWhileHaltedIsFree(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdHalt})
	require.NoError(t, err)
	require.Equal(t, api.EventHalted, ev.Name)
	assert.Equal(t, api.HaltRequest, ev.Halted.Reason)

	// Already halted: the next halt answers from cached state without a
	// single hardware transaction.
	before := f.target().Transactions
	ev, err = f.ctrl.Execute(api.Command{Name: api.CmdHalt})
	require.NoError(t, err)
	assert.Equal(t, api.EventHalted, ev.Name)
	assert.Equal(t, before, f.target().Transactions)
}

func TestResumeIsFireAndForget(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(64)
	defer sub.Close()

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdResume})
	require.NoError(t, err)
	assert.Equal(t, api.EventResumed, ev.Name, "acknowledged before any halt")

	// Resuming a running core is idempotent.
	_, err = f.ctrl.Execute(api.Command{Name: api.CmdResume})
	require.NoError(t, err)

	// The eventual stop arrives as a broadcast from the poll loop.
	f.target().TriggerHalt(0x0800_0004)
	halted := waitFor(t, sub, api.EventHalted)
	assert.Equal(t, api.HaltRequest, halted.Halted.Reason)
	assert.Equal(t, uint64(0x0800_0004), halted.Halted.PC)
	assert.Empty(t, halted.CommandID, "asynchronous stop, not a completion")
}

func TestBreakpointHaltReason(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(64)
	defer sub.Close()

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdSetBreakpoint,
		SetBreakpoint: &api.BreakpointRequest{Addr: 0x0800_0010, Kind: api.BreakpointHardware}})
	require.NoError(t, err)

	_, err = f.ctrl.Execute(api.Command{Name: api.CmdResume})
	require.NoError(t, err)

	f.target().TriggerHalt(0x0800_0010)
	halted := waitFor(t, sub, api.EventHalted)
	assert.Equal(t, api.HaltBreakpoint, halted.Halted.Reason)
}

func TestHardwareBreakpointBudget(t *testing.T) {
	f := newFixture(t)
	f.attach(t) // sim has 4 comparators

	for i := 0; i < 4; i++ {
		_, err := f.ctrl.Execute(api.Command{Name: api.CmdSetBreakpoint,
			SetBreakpoint: &api.BreakpointRequest{Addr: 0x0800_0000 + uint64(i*4), Kind: api.BreakpointHardware}})
		require.NoError(t, err)
	}
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdSetBreakpoint,
		SetBreakpoint: &api.BreakpointRequest{Addr: 0x0800_0100, Kind: api.BreakpointHardware}})
	assert.Equal(t, api.ErrLimitExceeded, api.CodeOf(err))

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdListBps})
	require.NoError(t, err)
	assert.Len(t, ev.Breakpoints, 4, "the failed request left no trace")
}

func TestStepInstruction(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	before := f.target().HWBreakpoints()
	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdStep,
		Step: &api.StepRequest{Kind: api.StepInstruction}})
	require.NoError(t, err)
	require.Equal(t, api.EventHalted, ev.Name)
	assert.Equal(t, api.HaltStep, ev.Halted.Reason)
	assert.Equal(t, uint64(0x0800_0002), ev.Halted.PC)
	assert.Equal(t, before, f.target().HWBreakpoints())
}

func TestStepOverCallLeavesNoTemporary(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	// bl +0 at the reset pc: step-over must hop it with a temporary
	// breakpoint at the return site.
	f.target().Poke(0x0800_0000, []byte{0x00, 0xF0, 0x00, 0xF8})

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.target().TriggerHalt(0x0800_0004)
	}()

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdStep,
		Step: &api.StepRequest{Kind: api.StepOver}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0800_0004), ev.Halted.PC)
	assert.Equal(t, api.HaltStep, ev.Halted.Reason)

	// No temporary breakpoint survives the step.
	assert.Empty(t, f.target().HWBreakpoints())
	list, err := f.ctrl.Execute(api.Command{Name: api.CmdListBps})
	require.NoError(t, err)
	assert.Empty(t, list.Breakpoints)
}

func TestStepNeedsHaltedCore(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdResume})
	require.NoError(t, err)

	_, err = f.ctrl.Execute(api.Command{Name: api.CmdStep,
		Step: &api.StepRequest{Kind: api.StepInstruction}})
	assert.Equal(t, api.ErrInvalidCommand, api.CodeOf(err))
}

func TestTransportFaultFailsFast(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(64)
	defer sub.Close()

	// The cable is pulled mid-transaction.
	f.target().FailNext = true
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdReadMemory,
		ReadMemory: &api.ReadMemoryRequest{Addr: 0x2000_0000, Size: 4}})
	assert.Equal(t, api.ErrTransportFault, api.CodeOf(err))
	waitFor(t, sub, api.EventFault)

	// Later commands fail fast without touching the dead transport.
	before := f.target().Transactions
	_, err = f.ctrl.Execute(api.Command{Name: api.CmdHalt})
	assert.Equal(t, api.ErrTransportFault, api.CodeOf(err))
	assert.Equal(t, before, f.target().Transactions)

	// Detach cancels the pending reattach.
	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdDetach})
	require.NoError(t, err)
	assert.Equal(t, api.EventDetached, ev.Name)
}

func TestReattachAfterFault(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the reattach backoff")
	}
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(64)
	defer sub.Close()

	first := f.target()
	first.FailNext = true
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdReadMemory,
		ReadMemory: &api.ReadMemoryRequest{Addr: 0x2000_0000, Size: 4}})
	require.Error(t, err)

	// A fresh transport comes up automatically after the backoff.
	deadline := time.After(reattachWait + 3*time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Name == api.EventAttached {
				assert.NotSame(t, first, f.target())
				return
			}
		case <-deadline:
			t.Fatal("no reattach")
		}
	}
}

func TestCommandsBeforeAttach(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdHalt})
	assert.Equal(t, api.ErrNotAttached, api.CodeOf(err))

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdStatus})
	require.NoError(t, err)
	assert.Equal(t, api.StateDisconnected, ev.Status.State)

	ev, err = f.ctrl.Execute(api.Command{Name: api.CmdListProbes})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.Probes)
}

func TestAttachRejectsUnknownChip(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdAttach,
		Attach: &api.AttachRequest{Chip: "mystery9000"}})
	assert.Equal(t, api.ErrInvalidCommand, api.CodeOf(err))

	// The session is still usable.
	f.attach(t)
}

func TestDoubleAttachRejected(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdAttach,
		Attach: &api.AttachRequest{Chip: "sim"}})
	assert.Equal(t, api.ErrInvalidCommand, api.CodeOf(err))
}

func TestMemoryAndRegistersThroughSession(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdWriteMemory,
		WriteMemory: &api.WriteMemoryRequest{Addr: 0x2000_0000, Data: []byte{1, 2, 3, 4}}})
	require.NoError(t, err)

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdReadMemory,
		ReadMemory: &api.ReadMemoryRequest{Addr: 0x2000_0000, Size: 4}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, ev.Memory.Data)

	// Flash writes are blocked at the validation layer.
	_, err = f.ctrl.Execute(api.Command{Name: api.CmdWriteMemory,
		WriteMemory: &api.WriteMemoryRequest{Addr: 0x0800_0000, Data: []byte{0xFF}}})
	assert.Equal(t, api.ErrProtectedRegion, api.CodeOf(err))

	_, err = f.ctrl.Execute(api.Command{Name: api.CmdWriteRegister,
		WriteRegister: &api.WriteRegRequest{Name: "r3", Value: 0x1234}})
	require.NoError(t, err)
	ev, err = f.ctrl.Execute(api.Command{Name: api.CmdReadRegisters})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), ev.Registers[3].Value)
	assert.Equal(t, "r3", ev.Registers[3].Name)
}

func TestResetRearmsAndHalts(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	// A software breakpoint in RAM survives the reset via re-patching.
	f.target().Poke(0x2000_0100, []byte{0x70, 0x47})
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdSetBreakpoint,
		SetBreakpoint: &api.BreakpointRequest{Addr: 0x2000_0100, Kind: api.BreakpointSoftware}})
	require.NoError(t, err)

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdReset})
	require.NoError(t, err)
	require.Equal(t, api.EventHalted, ev.Name)
	assert.Equal(t, api.HaltReset, ev.Halted.Reason)
	assert.Equal(t, uint64(0x0800_0000), ev.Halted.PC)

	buf := make([]byte, 2)
	require.NoError(t, f.target().ReadMemory(0x2000_0100, buf))
	assert.Equal(t, []byte{0x00, 0xBE}, buf)
}

func TestWatchSamplesStream(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(256)
	defer sub.Close()

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdAddWatch,
		AddWatch: &api.WatchRequest{Name: "ticks", Addr: 0x2000_0040, Width: 4}})
	require.NoError(t, err)

	waitFor(t, sub, api.EventPlotSample)

	f.target().PokeWord(0x2000_0040, 1234)
	ch := waitFor(t, sub, api.EventWatchChanged)
	assert.Equal(t, "ticks", ch.Watch.Name)
	assert.Equal(t, []byte{0xD2, 0x04, 0, 0}, ch.Watch.New)

	_, err = f.ctrl.Execute(api.Command{Name: api.CmdRemoveWatch,
		RemoveWatch: &api.RemoveWatchRequest{Name: "ticks"}})
	require.NoError(t, err)
	_, err = f.ctrl.Execute(api.Command{Name: api.CmdRemoveWatch,
		RemoveWatch: &api.RemoveWatchRequest{Name: "ticks"}})
	assert.Equal(t, api.ErrNotFound, api.CodeOf(err))
}

func TestRttDataFlowsFromSession(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(256)
	defer sub.Close()

	// The firmware initializes RTT after attach: control block with one up
	// channel at a known spot in SRAM.
	const cb, ring = uint64(0x2000_1000), uint64(0x2000_2000)
	sim := f.target()
	sim.Poke(cb, []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00"))
	sim.PokeWord(cb+16, 1) // up channels
	sim.PokeWord(cb+20, 0)
	sim.PokeWord(cb+24+4, uint32(ring))
	sim.PokeWord(cb+24+8, 64)
	sim.Poke(ring, []byte("boot ok\n"))
	sim.PokeWord(cb+24+12, 8) // WrOff

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdRttRescan})
	require.NoError(t, err)
	require.Equal(t, "attached", ev.RttStatus.Status)

	data := waitFor(t, sub, api.EventRttData)
	assert.Equal(t, 0, data.RttData.Channel)
	assert.Equal(t, []byte("boot ok\n"), data.RttData.Data)
	assert.False(t, data.RttData.Overflow)
}

func TestDisassembleSeesThroughPatches(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	f.target().Poke(0x2000_0100, []byte{0x70, 0x47}) // bx lr
	_, err := f.ctrl.Execute(api.Command{Name: api.CmdSetBreakpoint,
		SetBreakpoint: &api.BreakpointRequest{Addr: 0x2000_0100, Kind: api.BreakpointSoftware}})
	require.NoError(t, err)

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdDisassemble,
		Disassemble: &api.DisassembleRequest{Addr: 0x2000_0100, Count: 1}})
	require.NoError(t, err)
	require.Len(t, ev.Disassembly, 1)
	assert.Equal(t, "bx lr", ev.Disassembly[0].Text, "original instruction, not the patch")
}

func TestNilPayloadsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdAttach})
	assert.Equal(t, api.ErrInvalidCommand, api.CodeOf(err))

	f.attach(t)
	for _, name := range []string{
		api.CmdStep, api.CmdSetBreakpoint, api.CmdClearBp,
		api.CmdReadMemory, api.CmdWriteMemory, api.CmdWriteRegister,
		api.CmdReadPeripheral, api.CmdWriteField, api.CmdRttWrite,
		api.CmdAddWatch, api.CmdRemoveWatch, api.CmdLoadSymbols,
		api.CmdLoadSvd, api.CmdDisassemble,
	} {
		_, err := f.ctrl.Execute(api.Command{Name: name})
		assert.Equal(t, api.ErrInvalidCommand, api.CodeOf(err), name)
	}

	// The worker survived every payloadless command.
	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdStatus})
	require.NoError(t, err)
	assert.Equal(t, api.StateHalted, ev.Status.State)
}

func TestFailedAttachDoesNotFault(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := event.NewBus()
	ctrl := New(Config{
		Log:     log,
		Bus:     bus,
		Symbols: symbols.NewStore(log),
		Svd:     svd.NewRegistry(),
		Connect: func(req *api.AttachRequest, desc *target.Description) (probe.Transport, error) {
			// The transport dies on its first transaction of the attach.
			sim := probe.NewSim(desc)
			sim.FailNext = true
			return sim, nil
		},
		Timeout: 5 * time.Second,
	})
	ctrl.Start()
	t.Cleanup(ctrl.Stop)
	sub := bus.Subscribe(64)
	defer sub.Close()

	_, err := ctrl.Execute(api.Command{Name: api.CmdAttach,
		Attach: &api.AttachRequest{Chip: "sim"}})
	assert.Equal(t, api.ErrTransportFault, api.CodeOf(err))

	ev, err := ctrl.Execute(api.Command{Name: api.CmdStatus})
	require.NoError(t, err)
	assert.Equal(t, api.StateDisconnected, ev.Status.State, "failed attach arms no reattach")

	// A session that never came up broadcasts no fault. The status
	// completion fences the feed.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			require.NotEqual(t, api.EventFault, ev.Name)
			if ev.Name == api.EventStatus {
				return
			}
		case <-deadline:
			t.Fatal("no status completion on the feed")
		}
	}
}

func TestSemihostOutputServicedSilently(t *testing.T) {
	f := newFixture(t)
	f.attach(t)
	sub := f.bus.Subscribe(64)
	defer sub.Close()

	sim := f.target()
	sim.Poke(0x2000_0200, []byte{0xAB, 0xBE}) // bkpt 0xab
	sim.Poke(0x2000_0500, []byte("hello from fw\x00"))
	sim.SetReg(0, 0x04) // SYS_WRITE0
	sim.SetReg(1, 0x2000_0500)

	_, err := f.ctrl.Execute(api.Command{Name: api.CmdResume})
	require.NoError(t, err)
	sim.TriggerHalt(0x2000_0200)

	out := waitFor(t, sub, api.EventSemihost)
	assert.Equal(t, []byte("hello from fw"), out.Semihost.Data)

	// The trap never surfaced as a halt; the core kept running until the
	// next real stop.
	sim.TriggerHalt(0x2000_0300)
	halted := waitFor(t, sub, api.EventHalted)
	assert.Equal(t, uint64(0x2000_0300), halted.Halted.PC)

	// The service wrote the trap's return into r0.
	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdReadRegisters})
	require.NoError(t, err)
	assert.Zero(t, ev.Registers[0].Value)
}

// bareWorker builds an attached worker without the run loop so preemption
// can be driven deterministically.
func bareWorker(t *testing.T) (*worker, *probe.Sim) {
	t.Helper()
	desc, err := target.Lookup("sim")
	require.NoError(t, err)
	sim := probe.NewSim(desc)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{
		Log:     log,
		Bus:     event.NewBus(),
		Symbols: symbols.NewStore(log),
		Svd:     svd.NewRegistry(),
	})
	w := &worker{
		c:       c,
		state:   api.StateHalted,
		t:       sim,
		desc:    desc,
		mem:     memory.New(sim, desc),
		bps:     bp.NewManager(sim, desc),
		rtt:     rtt.NewManager(),
		intro:   rtos.NewIntrospector(),
		watches: memory.NewWatchSet(),
	}
	return w, sim
}

func queued(cmd api.Command) *request {
	return &request{cmd: cmd, resp: make(chan response, 1)}
}

func TestManualPreemptsQueuedExecControl(t *testing.T) {
	w, _ := bareWorker(t)

	autoResume := queued(api.Command{ID: "a1", Name: api.CmdResume, Source: api.SourceAuto})
	autoStatus := queued(api.Command{ID: "a2", Name: api.CmdStatus, Source: api.SourceAuto})
	w.c.autoCh <- autoResume
	w.c.autoCh <- autoStatus

	w.preempt(queued(api.Command{ID: "m1", Name: api.CmdHalt, Source: api.SourceManual}))

	// The queued resume never ran; it failed with the conflict.
	r := <-autoResume.resp
	assert.Equal(t, api.ErrControlConflict, api.CodeOf(r.err))
	assert.Contains(t, r.err.Error(), "preempted by manual halt")
	assert.Equal(t, api.StateHalted, w.state)

	// Non-execution commands were deferred, not failed.
	r = <-autoStatus.resp
	require.NoError(t, r.err)
	assert.Equal(t, api.StateHalted, r.ev.Status.State)
}

func TestNonExecManualLeavesQueueAlone(t *testing.T) {
	w, _ := bareWorker(t)

	autoResume := queued(api.Command{ID: "a1", Name: api.CmdResume, Source: api.SourceAuto})
	w.c.autoCh <- autoResume

	manual := queued(api.Command{ID: "m1", Name: api.CmdStatus, Source: api.SourceManual})
	w.preempt(manual)

	r := <-manual.resp
	require.NoError(t, r.err)
	assert.Len(t, w.c.autoCh, 1, "queued execution control survives a manual query")
}

func TestDetachThenCommandsRejected(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	ev, err := f.ctrl.Execute(api.Command{Name: api.CmdDetach})
	require.NoError(t, err)
	assert.Equal(t, api.EventDetached, ev.Name)

	_, err = f.ctrl.Execute(api.Command{Name: api.CmdResume})
	assert.Equal(t, api.ErrNotAttached, api.CodeOf(err))
}
