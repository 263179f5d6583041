package api

// Source says who issued a command. Manual commands come from a human at a
// console and preempt queued programmatic execution control.
type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

type StepKind string

const (
	StepInstruction StepKind = "instruction"
	StepOver        StepKind = "over"
	StepInto        StepKind = "into"
	StepOut         StepKind = "out"
)

type BreakpointKind string

const (
	BreakpointHardware  BreakpointKind = "hardware"
	BreakpointSoftware  BreakpointKind = "software"
	BreakpointTemporary BreakpointKind = "temporary"
)

type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateAttaching    SessionState = "attaching"
	StateRunning      SessionState = "running"
	StateHalted       SessionState = "halted"
	StateDetaching    SessionState = "detaching"
	StateFaulted      SessionState = "faulted"
)

const (
	CmdAttach         = "attach"
	CmdDetach         = "detach"
	CmdHalt           = "halt"
	CmdResume         = "resume"
	CmdStep           = "step"
	CmdReset          = "reset"
	CmdSetBreakpoint  = "set-breakpoint"
	CmdClearBp        = "clear-breakpoint"
	CmdListBps        = "list-breakpoints"
	CmdReadMemory     = "read-memory"
	CmdWriteMemory    = "write-memory"
	CmdReadRegisters  = "read-registers"
	CmdWriteRegister  = "write-register"
	CmdReadPeripheral = "read-peripheral"
	CmdWriteField     = "write-field"
	CmdRttWrite       = "rtt-write"
	CmdRttRescan      = "rtt-rescan"
	CmdStackTrace     = "stack-trace"
	CmdListTasks      = "list-tasks"
	CmdAddWatch       = "add-watch"
	CmdRemoveWatch    = "remove-watch"
	CmdLoadSymbols    = "load-symbols"
	CmdLoadSvd        = "load-svd"
	CmdDisassemble    = "disassemble"
	CmdListProbes     = "list-probes"
	CmdStatus         = "status"
)

// Command is the tagged union every client sends. Name selects which payload
// pointer is populated; ID is echoed on the completing event.
type Command struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source Source `json:"source,omitempty"`

	Attach         *AttachRequest      `json:"attach,omitempty"`
	Step           *StepRequest        `json:"step,omitempty"`
	SetBreakpoint  *BreakpointRequest  `json:"setBreakpoint,omitempty"`
	ClearBp        *ClearBpRequest     `json:"clearBreakpoint,omitempty"`
	ReadMemory     *ReadMemoryRequest  `json:"readMemory,omitempty"`
	WriteMemory    *WriteMemoryRequest `json:"writeMemory,omitempty"`
	WriteRegister  *WriteRegRequest    `json:"writeRegister,omitempty"`
	ReadPeripheral *PeripheralRequest  `json:"readPeripheral,omitempty"`
	WriteField     *WriteFieldRequest  `json:"writeField,omitempty"`
	RttWrite       *RttWriteRequest    `json:"rttWrite,omitempty"`
	AddWatch       *WatchRequest       `json:"addWatch,omitempty"`
	RemoveWatch    *RemoveWatchRequest `json:"removeWatch,omitempty"`
	LoadSymbols    *LoadFileRequest    `json:"loadSymbols,omitempty"`
	LoadSvd        *LoadSvdRequest     `json:"loadSvd,omitempty"`
	Disassemble    *DisassembleRequest `json:"disassemble,omitempty"`
}

type AttachRequest struct {
	Probe    string `json:"probe,omitempty"`
	Chip     string `json:"chip"`
	Protocol string `json:"protocol,omitempty"`
	ClockHz  uint32 `json:"clockHz,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Sim      bool   `json:"sim,omitempty"`
}

type StepRequest struct {
	Kind StepKind `json:"kind"`
}

type BreakpointRequest struct {
	Addr uint64         `json:"addr"`
	Kind BreakpointKind `json:"kind"`
}

type ClearBpRequest struct {
	Addr uint64 `json:"addr"`
}

type ReadMemoryRequest struct {
	Addr  uint64 `json:"addr"`
	Size  uint32 `json:"size"`
	Width int    `json:"width,omitempty"`
}

type WriteMemoryRequest struct {
	Addr  uint64 `json:"addr"`
	Data  []byte `json:"data"`
	Width int    `json:"width,omitempty"`
}

type WriteRegRequest struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type PeripheralRequest struct {
	Peripheral string `json:"peripheral"`
	Register   string `json:"register"`
}

type WriteFieldRequest struct {
	Peripheral string `json:"peripheral"`
	Register   string `json:"register"`
	Field      string `json:"field"`
	Value      uint64 `json:"value"`
}

type RttWriteRequest struct {
	Channel int    `json:"channel"`
	Data    []byte `json:"data"`
}

type WatchRequest struct {
	Name   string `json:"name"`
	Addr   uint64 `json:"addr,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Width  int    `json:"width"`
}

type RemoveWatchRequest struct {
	Name string `json:"name"`
}

type LoadFileRequest struct {
	Path string `json:"path"`
}

type LoadSvdRequest struct {
	Path        string `json:"path"`
	OverlayPath string `json:"overlayPath,omitempty"`
}

type DisassembleRequest struct {
	Addr  uint64 `json:"addr"`
	Count int    `json:"count"`
}
