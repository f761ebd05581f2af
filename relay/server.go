package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Path is where the relay accepts websocket upgrades.
	Path = "/ws"

	// DefaultMaxMessageSize caps one inbound signaling message.
	DefaultMaxMessageSize = 64 * 1024
	// DefaultQueueDepth is how many messages a client may lag before it is dropped.
	DefaultQueueDepth = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ServerOptions configures a relay Server.
type ServerOptions struct {
	// StaticDir, when set, is served at "/" next to the websocket endpoint.
	StaticDir      string
	MaxMessageSize int64
	QueueDepth     int
	Logger         *logrus.Entry
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = DefaultQueueDepth
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "relay")
	}
	return out
}

// Server upgrades HTTP connections to websockets and forwards every valid JSON
// message from one party to all other connected parties.
type Server struct {
	opts     ServerOptions
	log      *logrus.Entry
	registry *Registry
	upgrader websocket.Upgrader
}

// NewServer builds a relay server with its own registry.
func NewServer(options ServerOptions) *Server {
	opts := options.withDefaults()
	return &Server{
		opts:     opts,
		log:      opts.Logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the server's member registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler serving the websocket endpoint and, optionally, static files.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"clients": s.registry.Len()})
	})
	if s.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
	return mux
}

// ListenAndServe runs the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the relay on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.log.WithField("addr", listener.Addr().String()).Info("relay listening")
		errs <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.CloseAll()
	if err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}

// CloseAll disconnects every connected party.
func (s *Server) CloseAll() {
	for _, m := range s.registry.Members() {
		s.registry.Remove(m.ID())
		if c, ok := m.(*conn); ok {
			c.close()
		}
	}
}

// ServeWS upgrades one HTTP request and runs its read and write pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, s.opts.QueueDepth),
		closed: make(chan struct{}),
	}
	c.log = s.log.WithFields(logrus.Fields{"client_id": c.id, "remote_addr": r.RemoteAddr})

	s.registry.Add(c)
	c.log.WithField("clients", s.registry.Len()).Info("client connected")

	go c.writePump()
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.registry.Remove(c.id)
		c.close()
		c.log.WithField("clients", s.registry.Len()).Info("client disconnected")
	}()

	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("client read failed")
			}
			return
		}

		if !json.Valid(msg) {
			c.log.Warn("non-JSON message received, ignoring")
			continue
		}

		delivered, dropped := s.registry.Broadcast(c.id, msg)
		for _, m := range dropped {
			s.log.WithField("client_id", m.ID()).Warn("client too slow, disconnecting")
			if slow, ok := m.(*conn); ok {
				slow.close()
			}
		}
		c.log.WithField("recipients", delivered).Debug("message forwarded")
	}
}

// conn is one websocket party held by the server.
type conn struct {
	id   string
	ws   *websocket.Conn
	log  *logrus.Entry
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Deliver(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close stops the write pump, which sends a close frame and releases the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("client write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
