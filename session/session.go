// Package session owns the debug session: one worker goroutine holds the
// probe transport and serializes every hardware transaction, fed by a
// channel RPC surface and interleaving its periodic polls between commands.
package session

import (
	"log/slog"
	"time"

	"mcudbg/api"
	"mcudbg/event"
	"mcudbg/probe"
	"mcudbg/svd"
	"mcudbg/symbols"
	"mcudbg/target"
)

const (
	// DefaultTimeout bounds synchronous commands end to end.
	DefaultTimeout = 10 * time.Second

	pollTick     = 10 * time.Millisecond // RTT cadence, ~100 Hz
	rtosEvery    = 5                     // task-switch sampling, ~20 Hz
	watchEvery   = 10                    // watch and plot sampling, ~10 Hz
	reattachWait = 2 * time.Second
)

// ConnectFunc builds a transport for an attach request. Tests inject their
// own; the default dials the RSP stub or builds a simulator.
type ConnectFunc func(req *api.AttachRequest, desc *target.Description) (probe.Transport, error)

type Config struct {
	Log     *slog.Logger
	Bus     *event.Bus
	Symbols *symbols.Store
	Svd     *svd.Registry
	Connect ConnectFunc

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

type request struct {
	cmd  api.Command
	resp chan response
}

type response struct {
	ev  api.Event
	err error
}

type Controller struct {
	cfg     Config
	timeout time.Duration

	manualCh chan *request
	autoCh   chan *request
	quit     chan struct{}
	done     chan struct{}
}

func New(cfg Config) *Controller {
	if cfg.Connect == nil {
		cfg.Connect = defaultConnect
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		cfg:      cfg,
		timeout:  timeout,
		manualCh: make(chan *request, 16),
		autoCh:   make(chan *request, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func defaultConnect(req *api.AttachRequest, desc *target.Description) (probe.Transport, error) {
	if req.Sim || req.Addr == "" {
		return probe.NewSim(desc), nil
	}
	return probe.Connect(req.Addr, probe.InfoFromSelector(req.Probe))
}

// Start launches the worker goroutine. The controller is unusable before
// Start and after Stop.
func (c *Controller) Start() {
	w := &worker{c: c, state: api.StateDisconnected}
	go w.run()
}

func (c *Controller) Stop() {
	close(c.quit)
	<-c.done
}

func (c *Controller) Bus() *event.Bus { return c.cfg.Bus }

// Execute runs one command to completion. Synchronous commands block until
// the worker finishes them or the timeout elapses; the returned event is the
// completion payload that also went out on the bus.
func (c *Controller) Execute(cmd api.Command) (api.Event, error) {
	req := &request{cmd: cmd, resp: make(chan response, 1)}

	lane := c.autoCh
	if cmd.Source == api.SourceManual {
		lane = c.manualCh
	}

	select {
	case lane <- req:
	case <-c.quit:
		return api.Event{}, api.Errorf(api.ErrNotAttached, "session stopped")
	case <-time.After(c.timeout):
		return api.Event{}, api.Errorf(api.ErrTimeout, "command queue full")
	}

	select {
	case r := <-req.resp:
		return r.ev, r.err
	case <-time.After(c.timeout):
		return api.Event{}, api.Errorf(api.ErrTimeout, "%s did not complete in %s", cmd.Name, c.timeout)
	case <-c.quit:
		return api.Event{}, api.Errorf(api.ErrNotAttached, "session stopped")
	}
}

// execControl reports whether a command drives execution, the class a
// manual preempt conflicts with.
func execControl(name string) bool {
	switch name {
	case api.CmdHalt, api.CmdResume, api.CmdStep, api.CmdReset:
		return true
	}
	return false
}
