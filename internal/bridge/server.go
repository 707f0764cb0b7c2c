package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpbridge/mcpbridge/internal/eventbus"
	"github.com/mcpbridge/mcpbridge/internal/protocol"
)

// scanBufferSize bounds a single command line.
const scanBufferSize = 1 << 20

// ServerOptions configures the TCP listener.
type ServerOptions struct {
	Addr        string
	Dispatcher  *Dispatcher
	Tracker     *Tracker
	Bus         *eventbus.Bus
	IdleTimeout time.Duration
}

// Server accepts client connections, frames newline-delimited JSON commands
// and feeds them to the dispatcher. Commands on one socket are processed in
// order; tool calls detach and answer later.
type Server struct {
	addr        string
	dispatcher  *Dispatcher
	tracker     *Tracker
	bus         *eventbus.Bus
	idleTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer constructs a server; Start opens the listener.
func NewServer(opts ServerOptions) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	return &Server{
		addr:        opts.Addr,
		dispatcher:  opts.Dispatcher,
		tracker:     opts.Tracker,
		bus:         opts.Bus,
		idleTimeout: opts.IdleTimeout,
	}
}

// Start opens the TCP listener and begins accepting clients.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Printf("[Server] listening on %s", ln.Addr())
	s.bus.Publish(eventbus.Envelope{
		Topic:     eventbus.TopicBridgeLifecycle,
		Timestamp: time.Now().UTC(),
		Source:    eventbus.SourceServer,
		Payload:   eventbus.LifecycleEvent{State: "started", Addr: ln.Addr().String()},
	})

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr reports the bound address, useful when the configured port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener. Connected clients are dropped as their next read
// hits the closed socket or the idle deadline.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	s.bus.Publish(eventbus.Envelope{
		Topic:     eventbus.TopicBridgeLifecycle,
		Timestamp: time.Now().UTC(),
		Source:    eventbus.SourceServer,
		Payload:   eventbus.LifecycleEvent{State: "stopped", Addr: s.addr},
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[Server] accept: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// clientConn is one connected client. The mutex serializes response lines so
// detached tool-call replies never interleave with synchronous ones.
type clientConn struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{conn: conn, enc: json.NewEncoder(conn)}
}

// WriteResponse writes one response line. Encoder appends the newline.
func (c *clientConn) WriteResponse(resp protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(resp)
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Printf("[Server] client connected: %s", remote)

	cc := newClientConn(conn)
	defer func() {
		_ = conn.Close()
		if dropped := s.tracker.DropSink(cc); dropped > 0 {
			log.Printf("[Server] client %s left with %d pending requests", remote, dropped)
		}
		log.Printf("[Server] client disconnected: %s", remote)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if !scanner.Scan() {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = cc.WriteResponse(protocol.Err(salvageID(line), protocol.CodeParseError,
				"parse error: invalid JSON"))
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		s.dispatcher.Dispatch(req, cc)
	}
}

// salvageID recovers an id from a malformed line when the envelope decodes as
// JSON but not as a request, so the error reply can still be correlated.
func salvageID(line []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err == nil {
		return probe.ID
	}
	return ""
}
