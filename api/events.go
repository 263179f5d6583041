package api

import "time"

const (
	EventAttached      = "attached"
	EventDetached      = "detached"
	EventHalted        = "halted"
	EventResumed       = "resumed"
	EventFault         = "fault"
	EventError         = "error"
	EventOk            = "ok"
	EventRttData       = "rtt-data"
	EventRttStatus     = "rtt-status"
	EventPlotSample    = "plot-sample"
	EventTaskSwitch    = "task-switch"
	EventTasks         = "tasks"
	EventBreakpoints   = "breakpoints"
	EventStack         = "stack"
	EventMemory        = "memory"
	EventRegisters     = "registers"
	EventPeripheral    = "peripheral"
	EventDisassembly   = "disassembly"
	EventProbes        = "probes"
	EventDropped       = "dropped"
	EventSymbolsLoaded = "symbols-loaded"
	EventSvdLoaded     = "svd-loaded"
	EventStatus        = "status"
	EventWatchChanged  = "watch-changed"
	EventSemihost      = "semihost"
)

// HaltReason distinguishes why the core stopped.
type HaltReason string

const (
	HaltRequest    HaltReason = "request"
	HaltBreakpoint HaltReason = "breakpoint"
	HaltStep       HaltReason = "step"
	HaltFaultEntry HaltReason = "fault"
	HaltReset      HaltReason = "reset"
)

// Event is the tagged union broadcast to every subscriber. CommandID is set
// when the event completes a synchronous command, empty on broadcasts.
type Event struct {
	Name      string `json:"name"`
	CommandID string `json:"commandId,omitempty"`

	Error       *Error            `json:"error,omitempty"`
	Attached    *AttachedEvent    `json:"attached,omitempty"`
	Halted      *HaltedEvent      `json:"halted,omitempty"`
	Fault       *FaultEvent       `json:"fault,omitempty"`
	RttData     *RttDataEvent     `json:"rttData,omitempty"`
	RttStatus   *RttStatusEvent   `json:"rttStatus,omitempty"`
	PlotSample  *PlotSampleEvent  `json:"plotSample,omitempty"`
	TaskSwitch  *TaskSwitchEvent  `json:"taskSwitch,omitempty"`
	Tasks       []TaskInfo        `json:"tasks,omitempty"`
	Breakpoints []BreakpointInfo  `json:"breakpoints,omitempty"`
	Stack       *StackEvent       `json:"stack,omitempty"`
	Memory      *MemoryEvent      `json:"memory,omitempty"`
	Registers   []RegisterValue   `json:"registers,omitempty"`
	Peripheral  *PeripheralEvent  `json:"peripheral,omitempty"`
	Disassembly []Instruction     `json:"disassembly,omitempty"`
	Probes      []ProbeInfo       `json:"probes,omitempty"`
	Dropped     *DroppedEvent     `json:"dropped,omitempty"`
	Status      *StatusEvent      `json:"status,omitempty"`
	Watch       *WatchChangeEvent `json:"watch,omitempty"`
	Semihost    *SemihostEvent    `json:"semihost,omitempty"`
}

type AttachedEvent struct {
	Probe    ProbeInfo `json:"probe"`
	Chip     string    `json:"chip"`
	Protocol string    `json:"protocol"`
	ClockHz  uint32    `json:"clockHz"`
}

type HaltedEvent struct {
	PC           uint64     `json:"pc"`
	Reason       HaltReason `json:"reason"`
	FaultHandler bool       `json:"faultHandler,omitempty"`
}

type FaultEvent struct {
	Message string `json:"message"`
}

type RttDataEvent struct {
	Channel  int    `json:"channel"`
	Data     []byte `json:"data"`
	Overflow bool   `json:"overflow,omitempty"`
}

type RttStatusEvent struct {
	Status   string `json:"status"`
	Channels int    `json:"channels,omitempty"`
}

type PlotSampleEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type TaskSwitchEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

type TaskInfo struct {
	Name      string `json:"name"`
	Handle    uint64 `json:"handle"`
	State     string `json:"state"`
	Priority  uint32 `json:"priority"`
	StackBase uint64 `json:"stackBase"`
	StackHigh uint32 `json:"stackHighWater"`
	Current   bool   `json:"current,omitempty"`
}

type BreakpointInfo struct {
	Addr    uint64         `json:"addr"`
	Kind    BreakpointKind `json:"kind"`
	Enabled bool           `json:"enabled"`
}

type StackFrame struct {
	PC       uint64 `json:"pc"`
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Inlined  bool   `json:"inlined,omitempty"`
}

type StackEvent struct {
	Frames    []StackFrame `json:"frames"`
	Truncated bool         `json:"truncated,omitempty"`
}

type MemoryEvent struct {
	Addr uint64 `json:"addr"`
	Data []byte `json:"data"`
}

type RegisterValue struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type FieldValue struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type PeripheralEvent struct {
	Peripheral string       `json:"peripheral"`
	Register   string       `json:"register"`
	Addr       uint64       `json:"addr"`
	Raw        uint64       `json:"raw"`
	Fields     []FieldValue `json:"fields"`
}

type Instruction struct {
	Addr   uint64 `json:"addr"`
	Bytes  []byte `json:"bytes"`
	Text   string `json:"text"`
	IsCall bool   `json:"isCall,omitempty"`
}

type ProbeInfo struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Serial  string `json:"serial,omitempty"`
}

type DroppedEvent struct {
	Count uint64 `json:"count"`
}

type StatusEvent struct {
	State SessionState `json:"state"`
	PC    uint64       `json:"pc,omitempty"`
}

// SemihostEvent carries firmware console output emitted through a serviced
// semihosting trap.
type SemihostEvent struct {
	Data []byte `json:"data"`
}

type WatchChangeEvent struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Old  []byte `json:"old"`
	New  []byte `json:"new"`
}
