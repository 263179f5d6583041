// Package server exposes the session over WebSocket: commands fan in from
// any number of clients, the event feed fans out to all of them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"mcudbg/api"
	"mcudbg/event"
	"mcudbg/session"
)

const (
	writeWait = 10 * time.Second
	queueSize = 512
)

type Server struct {
	ctrl *session.Controller
	log  *slog.Logger

	upgrader websocket.Upgrader
}

func New(ctrl *session.Controller, log *slog.Logger) *Server {
	return &Server{
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The engine binds to loopback or a trusted lab network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", s.handleWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	s.log.Info("listening", "addr", ln.Addr().String())
	return g.Wait()
}

// conn wraps a websocket with a write lock shared by the event pump and the
// command loop's direct error replies.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &conn{ws: ws}
	sub := s.ctrl.Bus().Subscribe(queueSize)
	s.log.Info("client connected", "remote", r.RemoteAddr)

	g, _ := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.writeEvents(c, sub) })
	g.Go(func() error { return s.readCommands(c) })

	err = g.Wait()
	sub.Close()
	ws.Close()
	s.log.Info("client disconnected", "remote", r.RemoteAddr, "err", err)
}

func (s *Server) writeEvents(c *conn, sub *event.Subscriber) error {
	for ev := range sub.Events() {
		if err := c.writeJSON(&ev); err != nil {
			return err
		}
	}
	return nil
}

// readCommands executes client commands serially. Completions reach the
// client through the bus with the command ID echoed; only failures that
// never reach the worker are answered directly.
func (s *Server) readCommands(c *conn) error {
	for {
		var cmd api.Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		if cmd.Name == "" {
			continue
		}
		if _, err := s.ctrl.Execute(cmd); err != nil {
			if api.CodeOf(err) == api.ErrTimeout {
				ev := api.Event{Name: api.EventError, CommandID: cmd.ID, Error: api.AsError(err)}
				if werr := c.writeJSON(&ev); werr != nil {
					return werr
				}
			}
			// Worker-side failures were already published on the bus.
		}
	}
}
