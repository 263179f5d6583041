// Package rtos walks FreeRTOS kernel structures in target RAM to recover
// the task set, per-task stack usage and the running task.
package rtos

import (
	"time"

	"mcudbg/api"
	"mcudbg/memory"
)

// FreeRTOS structure offsets for 32-bit ports with default config. The walk
// cross-checks itself against uxCurrentNumberOfTasks before trusting them.
const (
	listNumItems = 0  // List_t.uxNumberOfItems
	listEnd      = 8  // List_t.xListEnd
	listSize     = 20 // sizeof(List_t)

	itemNext  = 4  // ListItem_t.pxNext
	itemOwner = 12 // ListItem_t.pvOwner

	tcbTopOfStack = 0  // TCB_t.pxTopOfStack
	tcbPriority   = 44 // TCB_t.uxPriority
	tcbStackBase  = 48 // TCB_t.pxStack
	tcbName       = 52 // TCB_t.pcTaskName
	tcbNameLen    = 16

	stackFill = 0xA5 // tskSTACK_FILL_BYTE

	maxPriorities = 16
	maxTasks      = 256
)

type SymbolLookup interface {
	LookupSymbol(name string) (uint64, bool)
}

type Introspector struct {
	lastTCB uint64
	names   map[uint64]string
}

func NewIntrospector() *Introspector {
	return &Introspector{names: make(map[uint64]string)}
}

func mismatch(format string, args ...any) error {
	return api.Errorf(api.ErrRtosLayoutMismatch, format, args...)
}

// Snapshot rebuilds the complete task set from the kernel lists. Nothing is
// carried over between polls except the name cache used for switch events.
func (in *Introspector) Snapshot(mem *memory.Accessor, syms SymbolLookup) ([]api.TaskInfo, error) {
	countAddr, ok := syms.LookupSymbol("uxCurrentNumberOfTasks")
	if !ok {
		return nil, api.Errorf(api.ErrNotFound, "no FreeRTOS symbols in the loaded ELF")
	}
	expected, err := mem.ReadWord(countAddr)
	if err != nil {
		return nil, err
	}
	if expected == 0 {
		return nil, nil // scheduler not started yet
	}
	if expected > maxTasks {
		return nil, mismatch("uxCurrentNumberOfTasks reads %d", expected)
	}

	currentTCB := uint64(0)
	if a, ok := syms.LookupSymbol("pxCurrentTCB"); ok {
		v, err := mem.ReadWord(a)
		if err != nil {
			return nil, err
		}
		currentTCB = uint64(v)
	}

	seen := make(map[uint64]bool)
	var tasks []api.TaskInfo

	collect := func(listAddr uint64, state string) error {
		tcbs, err := walkList(mem, listAddr)
		if err != nil {
			return err
		}
		for _, tcb := range tcbs {
			if seen[tcb] {
				continue
			}
			seen[tcb] = true
			t, err := in.readTCB(mem, tcb, state)
			if err != nil {
				return err
			}
			t.Current = tcb == currentTCB
			if t.Current {
				t.State = "running"
			}
			tasks = append(tasks, t)
		}
		return nil
	}

	if base, ok := syms.LookupSymbol("pxReadyTasksLists"); ok {
		for p := 0; p < maxPriorities; p++ {
			if err := collect(base+uint64(p*listSize), "ready"); err != nil {
				return nil, err
			}
			if len(seen) >= int(expected) {
				break
			}
		}
	}
	for _, sym := range []struct{ name, state string }{
		{"xDelayedTaskList1", "blocked"},
		{"xDelayedTaskList2", "blocked"},
		{"xSuspendedTaskList", "suspended"},
		{"xTasksWaitingTermination", "deleted"},
		{"xPendingReadyList", "ready"},
	} {
		if a, ok := syms.LookupSymbol(sym.name); ok {
			if err := collect(a, sym.state); err != nil {
				return nil, err
			}
		}
	}

	// The structural sanity check: a task count that disagrees with the
	// kernel's own counter means the assumed layout does not match this
	// build, and misread garbage must not be presented as tasks.
	if len(tasks) != int(expected) {
		return nil, mismatch("walked %d tasks, kernel counts %d", len(tasks), expected)
	}
	return tasks, nil
}

// walkList collects pvOwner of every item on one kernel list, bounded by
// the list's own element count.
func walkList(mem *memory.Accessor, listAddr uint64) ([]uint64, error) {
	n, err := mem.ReadWord(listAddr + listNumItems)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > maxTasks {
		return nil, mismatch("list at %#x claims %d items", listAddr, n)
	}

	end := listAddr + listEnd
	iter, err := mem.ReadWord(end + itemNext)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for i := uint32(0); i < n; i++ {
		if uint64(iter) == end {
			break
		}
		owner, err := mem.ReadWord(uint64(iter) + itemOwner)
		if err != nil {
			return nil, err
		}
		if owner == 0 {
			return nil, mismatch("list item at %#x has no owner", iter)
		}
		out = append(out, uint64(owner))
		next, err := mem.ReadWord(uint64(iter) + itemNext)
		if err != nil {
			return nil, err
		}
		iter = next
	}
	if len(out) != int(n) {
		return nil, mismatch("list at %#x terminated after %d of %d items", listAddr, len(out), n)
	}
	return out, nil
}

func (in *Introspector) readTCB(mem *memory.Accessor, tcb uint64, state string) (api.TaskInfo, error) {
	var t api.TaskInfo
	top, err := mem.ReadWord(tcb + tcbTopOfStack)
	if err != nil {
		return t, err
	}
	prio, err := mem.ReadWord(tcb + tcbPriority)
	if err != nil {
		return t, err
	}
	base, err := mem.ReadWord(tcb + tcbStackBase)
	if err != nil {
		return t, err
	}
	var nameBuf [tcbNameLen]byte
	if err := mem.Read(tcb+tcbName, nameBuf[:]); err != nil {
		return t, err
	}
	name := cString(nameBuf[:])
	if prio > 64 || base == 0 || top < base {
		return t, mismatch("TCB at %#x is implausible (prio=%d stack=%#x top=%#x)", tcb, prio, base, top)
	}

	high, err := highWater(mem, uint64(base), uint64(top))
	if err != nil {
		return t, err
	}

	in.names[tcb] = name
	t = api.TaskInfo{
		Name:      name,
		Handle:    tcb,
		State:     state,
		Priority:  prio,
		StackBase: uint64(base),
		StackHigh: high,
	}
	return t, nil
}

// highWater counts the untouched 0xA5 fill bytes from the stack base up.
// Stacks grow down, so the contiguous fill run is the headroom the task has
// never consumed.
func highWater(mem *memory.Accessor, base, top uint64) (uint32, error) {
	if top <= base {
		return 0, nil
	}
	size := top - base
	const chunk = 256
	buf := make([]byte, chunk)
	var count uint32
	for off := uint64(0); off < size; off += chunk {
		n := uint64(chunk)
		if off+n > size {
			n = size - off
		}
		if err := mem.Read(base+off, buf[:n]); err != nil {
			return count, err
		}
		for _, b := range buf[:n] {
			if b != stackFill {
				return count, nil
			}
			count++
		}
	}
	return count, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PollSwitch samples pxCurrentTCB and reports a task switch when it moved
// since the previous sample. Names come from the cache the last Snapshot
// filled, falling back to reading the TCB directly.
func (in *Introspector) PollSwitch(mem *memory.Accessor, syms SymbolLookup) (*api.TaskSwitchEvent, error) {
	addr, ok := syms.LookupSymbol("pxCurrentTCB")
	if !ok {
		return nil, nil
	}
	cur, err := mem.ReadWord(addr)
	if err != nil {
		return nil, err
	}
	tcb := uint64(cur)
	if tcb == 0 || tcb == in.lastTCB {
		return nil, nil
	}
	prev := in.lastTCB
	in.lastTCB = tcb
	if prev == 0 {
		return nil, nil // first observation, nothing switched
	}
	return &api.TaskSwitchEvent{
		From:      in.taskName(mem, prev),
		To:        in.taskName(mem, tcb),
		Timestamp: time.Now(),
	}, nil
}

func (in *Introspector) taskName(mem *memory.Accessor, tcb uint64) string {
	if n, ok := in.names[tcb]; ok {
		return n
	}
	var buf [tcbNameLen]byte
	if err := mem.Read(tcb+tcbName, buf[:]); err != nil {
		return "?"
	}
	n := cString(buf[:])
	in.names[tcb] = n
	return n
}
