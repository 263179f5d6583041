// Package client speaks the server's WebSocket surface: it sends commands,
// demultiplexes completions by command ID, and hands the broadcast feed to
// the caller.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mcudbg/api"
)

const callTimeout = 15 * time.Second

type Client struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan api.Event
	events  chan api.Event
	closed  chan struct{}
	once    sync.Once
}

// Dial connects to a session server, e.g. ws://localhost:9229/v1/session.
func Dial(url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan api.Event),
		events:  make(chan api.Event, 256),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.ws.Close()
}

// Events is the broadcast feed: halts, RTT data, plot samples, faults.
// Completion events for this client's own calls are routed to Call and do
// not appear here.
func (c *Client) Events() <-chan api.Event { return c.events }

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var ev api.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			c.failPending(err)
			return
		}
		if ev.CommandID != "" {
			c.mu.Lock()
			ch, ok := c.pending[ev.CommandID]
			if ok {
				delete(c.pending, ev.CommandID)
			}
			c.mu.Unlock()
			if ok {
				ch <- ev
				continue
			}
			// Another client's completion; still part of the feed.
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		default:
			// Feed consumer stalled; the server-side queue already
			// accounts for drops, so shed here too.
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- api.Event{Name: api.EventError, CommandID: id,
			Error: api.Errorf(api.ErrTransportFault, "connection lost: %v", err)}
		delete(c.pending, id)
	}
}

// Call sends a command and waits for its completion event. A completion
// carrying an error event is returned as the error.
func (c *Client) Call(cmd api.Command) (api.Event, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ch := make(chan api.Event, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	if err := c.ws.WriteJSON(&cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return api.Event{}, err
	}

	select {
	case ev := <-ch:
		if ev.Name == api.EventError && ev.Error != nil {
			return ev, ev.Error
		}
		return ev, nil
	case <-time.After(callTimeout):
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return api.Event{}, api.Errorf(api.ErrTimeout, "%s: no completion in %s", cmd.Name, callTimeout)
	case <-c.closed:
		return api.Event{}, fmt.Errorf("client closed")
	}
}
