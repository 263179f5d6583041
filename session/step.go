package session

import (
	"time"

	"mcudbg/api"
	"mcudbg/disasm"
	"mcudbg/probe"
	"mcudbg/symbols"
)

const (
	// maxStepInsns bounds source-level stepping through code without line
	// info changes.
	maxStepInsns = 1000
	stepTimeout  = 5 * time.Second
)

// step runs one of the step variants. All of them are synchronous and all
// of them remove their temporary breakpoints on every exit path.
func (w *worker) step(kind api.StepKind) (api.Event, error) {
	if w.state != api.StateHalted {
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "step needs a halted core")
	}
	defer w.bps.ClearTemporaries()

	var err error
	switch kind {
	case api.StepInstruction:
		err = w.singleStep()
	case api.StepInto:
		err = w.stepInto()
	case api.StepOver:
		err = w.stepOver()
	case api.StepOut:
		err = w.stepOut()
	default:
		return api.Event{}, api.Errorf(api.ErrInvalidCommand, "unknown step kind %q", kind)
	}
	if err != nil {
		return api.Event{}, err
	}
	return w.haltedEvent(api.HaltStep), nil
}

// singleStep executes exactly one instruction. A software breakpoint at the
// current pc is unpatched around the step so the original instruction runs.
func (w *worker) singleStep() error {
	patched, hadBp := w.bps.OrigBytes(w.pc)
	if hadBp {
		if err := w.t.WriteMemory(w.pc&^1, patched); err != nil {
			w.fault(err)
			return err
		}
	}
	err := w.t.Step()
	if hadBp {
		// Re-arm regardless of the step outcome.
		if werr := w.t.WriteMemory(w.pc&^1, []byte{0x00, 0xBE}); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		w.fault(err)
		return err
	}
	return w.refreshRegs()
}

// instrAt decodes the instruction at addr, seeing through software
// breakpoint patches.
func (w *worker) instrAt(addr uint64) (disasm.Inst, error) {
	buf := make([]byte, 4)
	if err := w.mem.Read(addr&^1, buf); err != nil {
		w.check(err)
		return disasm.Inst{}, err
	}
	if orig, ok := w.bps.OrigBytes(addr); ok {
		copy(buf[:2], orig)
	}
	return disasm.Decode(buf, addr&^1, true)
}

func (w *worker) location() (symbols.Location, *symbols.Snapshot) {
	snap := w.c.cfg.Symbols.Snapshot()
	if snap == nil {
		return symbols.Location{}, nil
	}
	return snap.Resolve(w.pc &^ 1), snap
}

// stepInto advances to the next source line, descending into calls. Without
// line info it degrades to a single instruction step.
func (w *worker) stepInto() error {
	start, snap := w.location()
	if snap == nil || start.Line == 0 {
		return w.singleStep()
	}
	for i := 0; i < maxStepInsns; i++ {
		if err := w.singleStep(); err != nil {
			return err
		}
		cur := snap.Resolve(w.pc &^ 1)
		if cur.Line == 0 {
			continue
		}
		if cur.Line != start.Line || cur.File != start.File || cur.Function != start.Function {
			return nil
		}
	}
	return api.Errorf(api.ErrTimeout, "no line boundary within %d instructions", maxStepInsns)
}

// stepOver advances to the next source line without entering calls: a call
// instruction is hopped by a temporary breakpoint at its return site.
func (w *worker) stepOver() error {
	start, snap := w.location()
	if snap == nil || start.Line == 0 {
		return w.stepOverInstr()
	}
	for i := 0; i < maxStepInsns; i++ {
		if err := w.stepOverInstr(); err != nil {
			return err
		}
		cur := snap.Resolve(w.pc &^ 1)
		if cur.Line == 0 {
			continue
		}
		if cur.Line != start.Line || cur.File != start.File || cur.Function != start.Function {
			return nil
		}
	}
	return api.Errorf(api.ErrTimeout, "no line boundary within %d instructions", maxStepInsns)
}

// stepOverInstr executes one instruction, running a call to completion.
func (w *worker) stepOverInstr() error {
	in, err := w.instrAt(w.pc)
	if err != nil {
		return err
	}
	if !in.IsCall {
		return w.singleStep()
	}
	return w.runToTemp(w.pc&^1 + uint64(in.Len))
}

// stepOut resumes until the current function returns, using the unwound
// caller frame when frame info is available and the link register otherwise.
func (w *worker) stepOut() error {
	ra := w.regs[probe.RegLR] &^ 1
	if snap := w.c.cfg.Symbols.Snapshot(); snap != nil && snap.HasFrames() {
		frames, _, err := snap.Unwind(
			w.regs[probe.RegPC], w.regs[probe.RegSP], w.regs[probe.RegLR],
			w.mem, w.desc.InRam)
		if err == nil && len(frames) >= 2 {
			ra = frames[1].PC
		}
	}
	if ra == 0 {
		return api.Errorf(api.ErrStackCorrupted, "no return address for the current frame")
	}
	return w.runToTemp(ra)
}

// runToTemp arms a temporary breakpoint at addr, resumes, and waits for the
// halt. On timeout the core is halted again so the session never stays
// running behind a synchronous command.
func (w *worker) runToTemp(addr uint64) error {
	if err := w.bps.SetTemporary(addr); err != nil {
		return w.check(err)
	}
	if err := w.t.Resume(); err != nil {
		w.fault(err)
		return err
	}
	w.state = api.StateRunning

	deadline := time.Now().Add(stepTimeout)
	for {
		st, err := w.t.Status()
		if err != nil {
			w.fault(err)
			return err
		}
		if st == probe.StatusHalted {
			w.state = api.StateHalted
			return w.refreshRegs()
		}
		if time.Now().After(deadline) {
			if err := w.t.Halt(); err != nil {
				w.fault(err)
				return err
			}
			w.state = api.StateHalted
			if err := w.refreshRegs(); err != nil {
				return err
			}
			return api.Errorf(api.ErrTimeout, "target did not reach %#x in %s", addr, stepTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}
