package bridge

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mcpbridge/mcpbridge/internal/eventbus"
	"github.com/mcpbridge/mcpbridge/internal/protocol"
)

// ResponseSink is where a tracked request's reply gets written. The server's
// per-socket connection implements it; tests use in-memory fakes.
type ResponseSink interface {
	WriteResponse(protocol.Response) error
}

// pendingRequest correlates one in-flight tool call with its origin socket.
// The sink reference is only used to write the reply and to purge requests
// when the socket goes away.
type pendingRequest struct {
	id          string
	sink        ResponseSink
	createdAt   time.Time
	innerCallID string
}

// TrackerOptions configures a Tracker. Zero values pick the defaults.
type TrackerOptions struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Bus           *eventbus.Bus
}

// Tracker holds pending tool-call requests and ages them out. Every entry is
// removed exactly once by whichever of {reply, sweep, socket close} wins.
type Tracker struct {
	timeout  time.Duration
	interval time.Duration
	bus      *eventbus.Bus

	mu      sync.Mutex
	pending map[string]*pendingRequest

	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time
}

// NewTracker constructs a tracker. Call Start to run the sweep loop.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	return &Tracker{
		timeout:  opts.Timeout,
		interval: opts.SweepInterval,
		bus:      opts.Bus,
		pending:  make(map[string]*pendingRequest),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic sweep. Stop ends it.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop. Pending entries are left for Clear or the
// process exit to discard.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Track records a pending request against its origin sink.
func (t *Tracker) Track(id string, sink ResponseSink) {
	t.TrackInner(id, "", sink)
}

// TrackInner additionally records the adapter-level call id for correlation.
func (t *Tracker) TrackInner(id, innerCallID string, sink ResponseSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = &pendingRequest{
		id:          id,
		sink:        sink,
		createdAt:   t.now(),
		innerCallID: innerCallID,
	}
}

// Resolve removes the entry and reports whether it was still tracked. A false
// return means another exit path (sweep, socket close) already claimed the
// request and no reply must be written.
func (t *Tracker) Resolve(id string) (ResponseSink, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	return req.sink, true
}

// DropSink purges every pending request bound to the given sink without a
// reply; the caller is already gone.
func (t *Tracker) DropSink(sink ResponseSink) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for id, req := range t.pending {
		if req.sink == sink {
			delete(t.pending, id)
			dropped++
		}
	}
	return dropped
}

// Clear discards every pending request without replies.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]*pendingRequest)
}

// Len reports the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// sweep times out every request older than the configured timeout. The error
// reply is best-effort: a write failure means the socket closed first.
func (t *Tracker) sweep() {
	now := t.now()

	t.mu.Lock()
	var expired []*pendingRequest
	for id, req := range t.pending {
		if now.Sub(req.createdAt) > t.timeout {
			delete(t.pending, id)
			expired = append(expired, req)
		}
	}
	t.mu.Unlock()

	for _, req := range expired {
		age := now.Sub(req.createdAt)
		log.Printf("[Tracker] request %s timed out after %s", req.id, age.Round(time.Second))
		resp := protocol.Err(req.id, protocol.CodeInternalError,
			fmt.Sprintf("tool call timed out after %s", t.timeout))
		_ = req.sink.WriteResponse(resp)
		t.bus.Publish(eventbus.Envelope{
			Topic:     eventbus.TopicRequestsTimeout,
			Timestamp: now,
			Source:    eventbus.SourceTracker,
			Payload:   eventbus.RequestTimeoutEvent{RequestID: req.id, Age: age},
		})
	}
}
