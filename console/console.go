// Package console is the interactive front end: a readline loop that turns
// typed commands into session commands and renders the event feed between
// prompts. Everything issued here carries the manual source and preempts
// queued programmatic execution control.
package console

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"

	"mcudbg/api"
	"mcudbg/client"
)

type Console struct {
	cl *client.Client
	rl *readline.Instance

	chip string
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("attach"),
	readline.PcItem("detach"),
	readline.PcItem("halt"),
	readline.PcItem("c"),
	readline.PcItem("continue"),
	readline.PcItem("si"),
	readline.PcItem("s"),
	readline.PcItem("n"),
	readline.PcItem("finish"),
	readline.PcItem("reset"),
	readline.PcItem("b"),
	readline.PcItem("hb"),
	readline.PcItem("d"),
	readline.PcItem("bl"),
	readline.PcItem("x"),
	readline.PcItem("xw"),
	readline.PcItem("w"),
	readline.PcItem("regs"),
	readline.PcItem("set"),
	readline.PcItem("per"),
	readline.PcItem("fw"),
	readline.PcItem("rtt"),
	readline.PcItem("rescan"),
	readline.PcItem("bt"),
	readline.PcItem("tasks"),
	readline.PcItem("watch"),
	readline.PcItem("unwatch"),
	readline.PcItem("file"),
	readline.PcItem("svd"),
	readline.PcItem("dis"),
	readline.PcItem("probes"),
	readline.PcItem("status"),
	readline.PcItem("help"),
	readline.PcItem("q"),
)

// Run connects to a session server and drives the prompt until EOF or q.
func Run(url string) error {
	cl, err := client.Dial(url)
	if err != nil {
		return err
	}
	defer cl.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ColorBold + "mcudbg> " + ColorReset,
		HistoryFile:     "/tmp/.mcudbg_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	con := &Console{cl: cl, rl: rl}
	go con.printFeed()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			// ^C while the target runs means halt, not quit.
			con.call(api.Command{Name: api.CmdHalt})
			continue
		}
		if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "q" || line == "quit" || line == "exit" {
			return nil
		}
		con.dispatch(strings.Fields(line))
	}
}

// printFeed renders broadcast events. RTT text goes out raw so firmware logs
// read like a terminal; everything else gets a one line summary.
func (c *Console) printFeed() {
	for ev := range c.cl.Events() {
		switch ev.Name {
		case api.EventRttData:
			if ev.RttData.Overflow {
				LogError("rtt channel %d overflowed, data lost", ev.RttData.Channel)
			}
			fmt.Print(string(ev.RttData.Data))
		case api.EventSemihost:
			fmt.Print(string(ev.Semihost.Data))
		case api.EventHalted:
			if ev.CommandID != "" {
				continue
			}
			reason := string(ev.Halted.Reason)
			if ev.Halted.FaultHandler {
				reason += ", in fault handler"
			}
			Printf("\ntarget halted at 0x%08x (%s)\n", ev.Halted.PC, reason)
			c.rl.Refresh()
		case api.EventFault:
			LogError("probe fault: %s", ev.Fault.Message)
			c.rl.Refresh()
		case api.EventAttached:
			if ev.CommandID != "" {
				continue
			}
			Printf("\nreattached to %s\n", ev.Attached.Chip)
			c.rl.Refresh()
		case api.EventTaskSwitch:
			Printf("task switch %s -> %s\n", ev.TaskSwitch.From, ev.TaskSwitch.To)
		case api.EventWatchChanged:
			Printf("watch %s @ 0x%08x: %x -> %x\n",
				ev.Watch.Name, ev.Watch.Addr, ev.Watch.Old, ev.Watch.New)
		case api.EventDropped:
			LogError("feed overran, %d events dropped", ev.Dropped.Count)
		}
	}
}

func (c *Console) call(cmd api.Command) (api.Event, bool) {
	cmd.Source = api.SourceManual
	ev, err := c.cl.Call(cmd)
	if err != nil {
		LogError("%v", err)
		return ev, false
	}
	return ev, true
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

func parseNum(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func (c *Console) dispatch(args []string) {
	switch args[0] {
	case "attach":
		c.cmdAttach(args[1:])
	case "detach":
		if _, ok := c.call(api.Command{Name: api.CmdDetach}); ok {
			Printf("detached\n")
		}
	case "halt":
		if ev, ok := c.call(api.Command{Name: api.CmdHalt}); ok {
			Printf("halted at 0x%08x\n", ev.Halted.PC)
		}
	case "c", "continue":
		if _, ok := c.call(api.Command{Name: api.CmdResume}); ok {
			Printf("running\n")
		}
	case "si":
		c.cmdStep(api.StepInstruction)
	case "s", "step":
		c.cmdStep(api.StepInto)
	case "n", "next":
		c.cmdStep(api.StepOver)
	case "finish":
		c.cmdStep(api.StepOut)
	case "reset":
		if ev, ok := c.call(api.Command{Name: api.CmdReset}); ok {
			Printf("reset, halted at 0x%08x\n", ev.Halted.PC)
		}
	case "b", "hb":
		c.cmdBreak(args)
	case "d":
		c.cmdClearBreak(args[1:])
	case "bl":
		c.cmdListBreaks()
	case "x":
		c.cmdDump(args[1:], 1)
	case "xw":
		c.cmdDump(args[1:], 4)
	case "w":
		c.cmdWrite(args[1:])
	case "regs":
		c.cmdRegs()
	case "set":
		c.cmdSetReg(args[1:])
	case "per":
		c.cmdPeripheral(args[1:])
	case "fw":
		c.cmdWriteField(args[1:])
	case "rtt":
		c.cmdRttWrite(args[1:])
	case "rescan":
		if ev, ok := c.call(api.Command{Name: api.CmdRttRescan}); ok {
			Printf("rtt %s, %d channels\n", ev.RttStatus.Status, ev.RttStatus.Channels)
		}
	case "bt":
		c.cmdBacktrace()
	case "tasks":
		c.cmdTasks()
	case "watch":
		c.cmdWatch(args[1:])
	case "unwatch":
		if len(args) < 2 {
			LogError("usage: unwatch <name>")
			return
		}
		c.call(api.Command{Name: api.CmdRemoveWatch,
			RemoveWatch: &api.RemoveWatchRequest{Name: args[1]}})
	case "file":
		if len(args) < 2 {
			LogError("usage: file <elf>")
			return
		}
		if _, ok := c.call(api.Command{Name: api.CmdLoadSymbols,
			LoadSymbols: &api.LoadFileRequest{Path: args[1]}}); ok {
			Printf("symbols loaded from %s\n", args[1])
		}
	case "svd":
		c.cmdLoadSvd(args[1:])
	case "dis":
		c.cmdDisassemble(args[1:])
	case "probes":
		c.cmdProbes()
	case "status":
		if ev, ok := c.call(api.Command{Name: api.CmdStatus}); ok {
			Printf("state %s, pc 0x%08x\n", string(ev.Status.State), ev.Status.PC)
		}
	case "help", "h", "?":
		printHelp()
	default:
		LogError("unknown command %q, try help", args[0])
	}
}

// cmdAttach attaches to a chip. With more than one probe plugged in the user
// picks one from a list.
func (c *Console) cmdAttach(args []string) {
	if len(args) < 1 {
		LogError("usage: attach <chip> [gdb-addr] (chip \"sim\" for the builtin simulator)")
		return
	}
	req := api.AttachRequest{Chip: args[0]}
	if len(args) >= 2 {
		req.Addr = args[1]
	}
	if req.Chip == "sim" {
		req.Sim = true
	}

	if !req.Sim && req.Addr == "" {
		ev, ok := c.call(api.Command{Name: api.CmdListProbes})
		if !ok {
			return
		}
		if len(ev.Probes) > 1 {
			items := make([]string, len(ev.Probes))
			for i, p := range ev.Probes {
				items[i] = fmt.Sprintf("%s %s (%s)", p.Vendor, p.Product, p.Serial)
			}
			sel := promptui.Select{Label: "Probe", Items: items}
			i, _, err := sel.Run()
			if err != nil {
				return
			}
			req.Probe = ev.Probes[i].Serial
		}
	}

	ev, ok := c.call(api.Command{Name: api.CmdAttach, Attach: &req})
	if !ok {
		return
	}
	c.chip = ev.Attached.Chip
	hLine("attached")
	Printf("chip:     %s\n", ev.Attached.Chip)
	Printf("probe:    %s\n", ev.Attached.Probe.Vendor+" "+ev.Attached.Probe.Product)
	Printf("protocol: %s @ %d Hz\n", ev.Attached.Protocol, ev.Attached.ClockHz)
}

func (c *Console) cmdStep(kind api.StepKind) {
	ev, ok := c.call(api.Command{Name: api.CmdStep, Step: &api.StepRequest{Kind: kind}})
	if !ok {
		return
	}
	Printf("halted at 0x%08x\n", ev.Halted.PC)
	c.showContext(ev.Halted.PC)
}

// showContext prints a few instructions around the new pc after a step.
func (c *Console) showContext(pc uint64) {
	ev, err := c.cl.Call(api.Command{Name: api.CmdDisassemble, Source: api.SourceManual,
		Disassemble: &api.DisassembleRequest{Addr: pc, Count: 4}})
	if err != nil {
		return
	}
	for _, in := range ev.Disassembly {
		marker := "   "
		if in.Addr == pc {
			marker = " > "
		}
		fmt.Printf("%s%s%08x%s: %-12s %s\n",
			marker, ColorCyan, in.Addr, ColorReset, hex.EncodeToString(in.Bytes), in.Text)
	}
}

func (c *Console) cmdBreak(args []string) {
	if len(args) < 2 {
		LogError("usage: %s <addr>", args[0])
		return
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		LogError("bad address %q", args[1])
		return
	}
	kind := api.BreakpointSoftware
	if args[0] == "hb" {
		kind = api.BreakpointHardware
	}
	if _, ok := c.call(api.Command{Name: api.CmdSetBreakpoint,
		SetBreakpoint: &api.BreakpointRequest{Addr: addr, Kind: kind}}); ok {
		Printf("breakpoint at 0x%08x (%s)\n", addr, string(kind))
	}
}

func (c *Console) cmdClearBreak(args []string) {
	if len(args) < 1 {
		LogError("usage: d <addr>")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		LogError("bad address %q", args[0])
		return
	}
	if _, ok := c.call(api.Command{Name: api.CmdClearBp,
		ClearBp: &api.ClearBpRequest{Addr: addr}}); ok {
		Printf("cleared 0x%08x\n", addr)
	}
}

func (c *Console) cmdListBreaks() {
	ev, ok := c.call(api.Command{Name: api.CmdListBps})
	if !ok {
		return
	}
	if len(ev.Breakpoints) == 0 {
		fmt.Println("no breakpoints")
		return
	}
	hLine("breakpoints")
	for i, bp := range ev.Breakpoints {
		Printf("%d: 0x%08x  %s\n", i, bp.Addr, string(bp.Kind))
	}
}

func (c *Console) cmdDump(args []string, width int) {
	if len(args) < 1 {
		LogError("usage: x <addr> [len]")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		LogError("bad address %q", args[0])
		return
	}
	size := uint64(64)
	if len(args) >= 2 {
		if size, err = parseNum(args[1]); err != nil {
			LogError("bad length %q", args[1])
			return
		}
	}
	ev, ok := c.call(api.Command{Name: api.CmdReadMemory,
		ReadMemory: &api.ReadMemoryRequest{Addr: addr, Size: uint32(size), Width: width}})
	if !ok {
		return
	}
	if width == 4 {
		wordDump(ev.Memory.Addr, ev.Memory.Data)
	} else {
		hexDump(ev.Memory.Addr, ev.Memory.Data)
	}
}

func (c *Console) cmdWrite(args []string) {
	if len(args) < 2 {
		LogError("usage: w <addr> <hexbytes>")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		LogError("bad address %q", args[0])
		return
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
	if err != nil {
		LogError("bad hex %q", args[1])
		return
	}
	if _, ok := c.call(api.Command{Name: api.CmdWriteMemory,
		WriteMemory: &api.WriteMemoryRequest{Addr: addr, Data: data}}); ok {
		Printf("wrote %d bytes at 0x%08x\n", len(data), addr)
	}
}

func (c *Console) cmdRegs() {
	ev, ok := c.call(api.Command{Name: api.CmdReadRegisters})
	if !ok {
		return
	}
	hLine("registers")
	for i, r := range ev.Registers {
		fmt.Printf("%s%-4s%s 0x%08x  ", ColorGreen, r.Name, ColorReset, r.Value)
		if i%4 == 3 {
			fmt.Println()
		}
	}
	if len(ev.Registers)%4 != 0 {
		fmt.Println()
	}
}

func (c *Console) cmdSetReg(args []string) {
	if len(args) < 2 {
		LogError("usage: set <reg> <value>")
		return
	}
	val, err := parseNum(args[1])
	if err != nil {
		LogError("bad value %q", args[1])
		return
	}
	if _, ok := c.call(api.Command{Name: api.CmdWriteRegister,
		WriteRegister: &api.WriteRegRequest{Name: args[0], Value: val}}); ok {
		Printf("%s = 0x%08x\n", args[0], val)
	}
}

func (c *Console) cmdPeripheral(args []string) {
	if len(args) < 2 {
		LogError("usage: per <PERIPHERAL> <REGISTER>")
		return
	}
	ev, ok := c.call(api.Command{Name: api.CmdReadPeripheral,
		ReadPeripheral: &api.PeripheralRequest{Peripheral: args[0], Register: args[1]}})
	if !ok {
		return
	}
	p := ev.Peripheral
	hLine(p.Peripheral + "." + p.Register)
	Printf("addr 0x%08x raw 0x%08x\n", p.Addr, p.Raw)
	for _, f := range p.Fields {
		Printf("  %-16s 0x%x\n", f.Name, f.Value)
	}
}

func (c *Console) cmdWriteField(args []string) {
	if len(args) < 4 {
		LogError("usage: fw <PERIPHERAL> <REGISTER> <FIELD> <value>")
		return
	}
	val, err := parseNum(args[3])
	if err != nil {
		LogError("bad value %q", args[3])
		return
	}
	if _, ok := c.call(api.Command{Name: api.CmdWriteField,
		WriteField: &api.WriteFieldRequest{
			Peripheral: args[0], Register: args[1], Field: args[2], Value: val}}); ok {
		Printf("%s = 0x%x\n", args[0]+"."+args[1]+"."+args[2], val)
	}
}

func (c *Console) cmdRttWrite(args []string) {
	if len(args) < 2 {
		LogError("usage: rtt <channel> <text>")
		return
	}
	ch, err := strconv.Atoi(args[0])
	if err != nil {
		LogError("bad channel %q", args[0])
		return
	}
	data := []byte(strings.Join(args[1:], " ") + "\n")
	c.call(api.Command{Name: api.CmdRttWrite,
		RttWrite: &api.RttWriteRequest{Channel: ch, Data: data}})
}

func (c *Console) cmdBacktrace() {
	ev, ok := c.call(api.Command{Name: api.CmdStackTrace})
	if !ok {
		return
	}
	hLine("backtrace")
	for i, f := range ev.Stack.Frames {
		name := f.Function
		if name == "" {
			name = "??"
		}
		if f.Inlined {
			name += " (inlined)"
		}
		fmt.Printf("#%-2d %s0x%08x%s %s", i, ColorCyan, f.PC, ColorReset, name)
		if f.File != "" {
			fmt.Printf(" at %s:%d", f.File, f.Line)
		}
		fmt.Println()
	}
	if ev.Stack.Truncated {
		fmt.Println("... (truncated)")
	}
}

func (c *Console) cmdTasks() {
	ev, ok := c.call(api.Command{Name: api.CmdListTasks})
	if !ok {
		return
	}
	hLine("tasks")
	fmt.Printf("%-16s %-10s %-9s %4s %10s %10s\n",
		"NAME", "HANDLE", "STATE", "PRIO", "STACKBASE", "HIGHWATER")
	for _, t := range ev.Tasks {
		marker := " "
		if t.Current {
			marker = "*"
		}
		fmt.Printf("%s%-15s 0x%08x %-9s %4d 0x%08x %9dB\n",
			marker, t.Name, t.Handle, t.State, t.Priority, t.StackBase, t.StackHigh)
	}
}

func (c *Console) cmdWatch(args []string) {
	if len(args) < 2 {
		LogError("usage: watch <name> <addr|symbol> [width]")
		return
	}
	req := api.WatchRequest{Name: args[0], Width: 4}
	if addr, err := parseAddr(args[1]); err == nil {
		req.Addr = addr
	} else {
		req.Symbol = args[1]
	}
	if len(args) >= 3 {
		w, err := strconv.Atoi(args[2])
		if err != nil {
			LogError("bad width %q", args[2])
			return
		}
		req.Width = w
	}
	if _, ok := c.call(api.Command{Name: api.CmdAddWatch, AddWatch: &req}); ok {
		Printf("watching %s\n", args[0])
	}
}

func (c *Console) cmdLoadSvd(args []string) {
	if len(args) < 1 {
		LogError("usage: svd <file.svd> [overlay.yaml]")
		return
	}
	req := api.LoadSvdRequest{Path: args[0]}
	if len(args) >= 2 {
		req.OverlayPath = args[1]
	}
	if _, ok := c.call(api.Command{Name: api.CmdLoadSvd, LoadSvd: &req}); ok {
		Printf("svd loaded from %s\n", args[0])
	}
}

func (c *Console) cmdDisassemble(args []string) {
	if len(args) < 1 {
		LogError("usage: dis <addr> [count]")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		LogError("bad address %q", args[0])
		return
	}
	count := 16
	if len(args) >= 2 {
		if count, err = strconv.Atoi(args[1]); err != nil {
			LogError("bad count %q", args[1])
			return
		}
	}
	ev, ok := c.call(api.Command{Name: api.CmdDisassemble,
		Disassemble: &api.DisassembleRequest{Addr: addr, Count: count}})
	if !ok {
		return
	}
	for _, in := range ev.Disassembly {
		fmt.Printf("%s%08x%s: %-12s %s\n",
			ColorCyan, in.Addr, ColorReset, hex.EncodeToString(in.Bytes), in.Text)
	}
}

func (c *Console) cmdProbes() {
	ev, ok := c.call(api.Command{Name: api.CmdListProbes})
	if !ok {
		return
	}
	if len(ev.Probes) == 0 {
		fmt.Println("no probes found")
		return
	}
	for i, p := range ev.Probes {
		Printf("%d: %s %s serial %s\n", i, p.Vendor, p.Product, p.Serial)
	}
}

func printHelp() {
	hLine("commands")
	fmt.Print(`attach <chip> [gdb-addr]   attach ("sim" for the simulator)
detach                     release the target
halt / c                   stop / continue the core
si s n finish              step: instruction, into, over, out
reset                      reset and halt at the vector
b|hb <addr>                software / hardware breakpoint
d <addr>  bl               clear / list breakpoints
x|xw <addr> [len]          dump memory as bytes / words
w <addr> <hexbytes>        write memory
regs  set <reg> <val>      read / write core registers
per <P> <R>                read a peripheral register, decoded
fw <P> <R> <F> <val>       write one peripheral field
rtt <ch> <text>            write to an RTT down channel
rescan                     relocate the RTT control block
bt tasks                   backtrace / RTOS task list
watch <name> <addr|sym>    poll a variable, stream samples
unwatch <name>             stop polling
file <elf>  svd <f> [ovl]  load symbols / peripheral descriptions
dis <addr> [n]             disassemble
probes status              list probes / session state
q                          quit
`)
}
