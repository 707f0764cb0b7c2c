// Package bridge multiplexes many backend tool services behind one TCP
// endpoint: it owns the per-service connections, the reconnection supervisor,
// the pending tool-call tracker, the command dispatcher and the listener.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mcpbridge/mcpbridge/internal/adapter"
	"github.com/mcpbridge/mcpbridge/internal/eventbus"
	"github.com/mcpbridge/mcpbridge/internal/registry"
)

var (
	// ErrNotRegistered is returned when an operation names a service the
	// registry does not know.
	ErrNotRegistered = errors.New("bridge: service not registered")
	// ErrServiceNotActive is returned when an operation requires a live
	// connection and there is none.
	ErrServiceNotActive = errors.New("bridge: service not active")
	// ErrClosed is returned after the bridge has been shut down.
	ErrClosed = errors.New("bridge: closed")
)

// Options configures a Bridge. Zero values select the production defaults;
// tests shrink the delays.
type Options struct {
	Registry *registry.Registry
	Factory  adapter.Factory
	Bus      *eventbus.Bus

	MaxRestartAttempts int
	BaseDelay          time.Duration
	StabilityWindow    time.Duration
	ConnectTimeout     time.Duration
	ToolFetchTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.Registry == nil {
		o.Registry = registry.New()
	}
	if o.Factory == nil {
		o.Factory = adapter.NewFactory()
	}
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 5 * time.Second
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.ToolFetchTimeout <= 0 {
		o.ToolFetchTimeout = 30 * time.Second
	}
}

// serviceConn exists only while a service is active. The client is recorded
// before the handshake completes, so "active" signals ownership, not
// readiness.
type serviceConn struct {
	client    adapter.Client
	epoch     uint64
	ready     bool
	tools     []adapter.Tool
	lastError string

	stabilityTimer *time.Timer
}

// restartState is the per-service backoff state machine. lastError survives
// the connection teardown so status queries can still report why an inactive
// service went down.
type restartState struct {
	attempts  int
	timer     *time.Timer
	gaveUp    bool
	lastError string
}

// Bridge owns all mutable service state. Every map is guarded by mu; the lock
// is never held across a connect, tool-fetch or tool-call.
type Bridge struct {
	reg     *registry.Registry
	factory adapter.Factory
	bus     *eventbus.Bus

	maxAttempts      int
	baseDelay        time.Duration
	stabilityWindow  time.Duration
	connectTimeout   time.Duration
	toolFetchTimeout time.Duration

	mu        sync.Mutex
	conns     map[string]*serviceConn
	restarts  map[string]*restartState
	nextEpoch uint64
	closed    bool

	startedAt time.Time
}

// New constructs a Bridge. It performs no I/O until a service is started.
func New(opts Options) *Bridge {
	opts.applyDefaults()
	return &Bridge{
		reg:              opts.Registry,
		factory:          opts.Factory,
		bus:              opts.Bus,
		maxAttempts:      opts.MaxRestartAttempts,
		baseDelay:        opts.BaseDelay,
		stabilityWindow:  opts.StabilityWindow,
		connectTimeout:   opts.ConnectTimeout,
		toolFetchTimeout: opts.ToolFetchTimeout,
		conns:            make(map[string]*serviceConn),
		restarts:         make(map[string]*restartState),
		startedAt:        time.Now(),
	}
}

// Registry exposes the descriptor table the bridge was built around.
func (b *Bridge) Registry() *registry.Registry { return b.reg }

// Uptime reports how long the bridge has been running.
func (b *Bridge) Uptime() time.Duration { return time.Since(b.startedAt) }

// Start activates the named registered service. Already-active services are
// left alone. An explicit start wipes any accumulated backoff state, so a
// service the supervisor gave up on can be revived by spawning it again.
// The connect handshake runs in the background; the service reports active
// immediately.
func (b *Bridge) Start(name string) error {
	desc, ok := b.reg.Get(name)
	if !ok {
		return ErrNotRegistered
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, active := b.conns[name]; active {
		return nil
	}
	rs := b.restartLocked(name)
	rs.attempts = 0
	rs.gaveUp = false
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	return b.startLocked(desc)
}

// startLocked allocates the client and records it as active, then hands off
// to a goroutine for the handshake. Caller holds b.mu.
func (b *Bridge) startLocked(desc registry.Descriptor) error {
	spec := adapter.Spec{
		Name:           desc.Name,
		Command:        desc.Command,
		Args:           desc.Args,
		WorkingDir:     desc.WorkingDir,
		Env:            desc.Env,
		Endpoint:       desc.Endpoint,
		ConnectionType: desc.ConnectionType,
	}
	if desc.Kind == registry.KindLocal {
		spec.Stderr = eventbus.NewServiceLogWriter(b.bus, desc.Name)
	}

	client, err := b.factory.New(spec)
	if err != nil {
		return fmt.Errorf("bridge: start %s: %w", desc.Name, err)
	}

	b.nextEpoch++
	epoch := b.nextEpoch
	b.conns[desc.Name] = &serviceConn{client: client, epoch: epoch}
	b.publishStatus(desc.Name, eventbus.StateStarting, 0, nil)
	log.Printf("[Bridge] starting service %s (%s)", desc.Name, desc.Kind)

	go b.connect(desc.Name, client, epoch)
	return nil
}

// connect performs the handshake, the initial tool fetch and then watches the
// session until it ends. Runs without the lock; every state write re-checks
// the epoch so late results from a closed-out service are discarded.
func (b *Bridge) connect(name string, client adapter.Client, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.connectTimeout)
	err := client.Connect(ctx)
	cancel()
	if err != nil {
		b.mu.Lock()
		if conn, ok := b.conns[name]; ok && conn.epoch == epoch {
			conn.lastError = err.Error()
		}
		b.mu.Unlock()
		log.Printf("[Bridge] connect %s failed: %v", name, err)
		b.handleServiceClosure(name, epoch, err)
		return
	}

	b.mu.Lock()
	conn, ok := b.conns[name]
	if !ok || conn.epoch != epoch {
		b.mu.Unlock()
		_ = client.Close()
		return
	}
	conn.stabilityTimer = time.AfterFunc(b.stabilityWindow, func() {
		b.markStable(name, epoch)
	})
	b.mu.Unlock()

	log.Printf("[Bridge] service %s connected", name)
	b.publishStatus(name, eventbus.StateConnected, 0, nil)
	b.fetchTools(name, client, epoch)

	<-client.Done()
	b.handleServiceClosure(name, epoch, errors.New("session closed"))
}

// fetchTools resolves the tool inventory. The service becomes ready either
// way: readiness means "tool list resolved", not "tool list non-empty".
func (b *Bridge) fetchTools(name string, client adapter.Client, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.toolFetchTimeout)
	tools, err := client.Tools(ctx)
	cancel()

	b.mu.Lock()
	conn, ok := b.conns[name]
	if !ok || conn.epoch != epoch {
		b.mu.Unlock()
		return
	}
	if err != nil {
		conn.tools = nil
		conn.lastError = err.Error()
	} else {
		conn.tools = tools
		conn.lastError = ""
	}
	conn.ready = true
	count := len(conn.tools)
	b.mu.Unlock()

	if err != nil {
		log.Printf("[Bridge] fetch tools %s failed: %v", name, err)
	} else {
		log.Printf("[Bridge] service %s ready with %d tools", name, count)
	}
	b.publishStatus(name, eventbus.StateReady, 0, err)
	b.publish(eventbus.Envelope{
		Topic:   eventbus.TopicServicesTools,
		Source:  eventbus.SourceBridge,
		Service: name,
		Payload: eventbus.ServiceToolsEvent{Count: count},
	})
}

// markStable resets the backoff counter once a connection has survived the
// stability window.
func (b *Bridge) markStable(name string, epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.conns[name]
	if !ok || conn.epoch != epoch {
		return
	}
	if rs, ok := b.restarts[name]; ok && rs.attempts > 0 {
		rs.attempts = 0
		log.Printf("[Supervisor] service %s stable, attempt counter reset", name)
	}
}

// CallTool forwards a tool invocation to the named service's client.
func (b *Bridge) CallTool(ctx context.Context, name, tool string, args map[string]any) (*adapter.CallResult, error) {
	b.mu.Lock()
	conn, ok := b.conns[name]
	if !ok {
		b.mu.Unlock()
		return nil, ErrServiceNotActive
	}
	client := conn.client
	b.mu.Unlock()

	b.reg.Touch(name)
	return client.Call(ctx, tool, args)
}

// Shutdown closes the named service and removes its descriptor, so the
// supervisor will not reconnect it.
func (b *Bridge) Shutdown(name string) error {
	b.mu.Lock()
	if _, active := b.conns[name]; !active {
		b.mu.Unlock()
		return ErrServiceNotActive
	}
	b.closeServiceLocked(name)
	b.mu.Unlock()

	b.reg.Unregister(name)
	log.Printf("[Bridge] service %s shut down", name)
	b.publishStatus(name, eventbus.StateClosed, 0, nil)
	return nil
}

// Unregister removes the descriptor, closing the connection first when one is
// active. Reports whether the service was known.
func (b *Bridge) Unregister(name string) bool {
	if _, ok := b.reg.Get(name); !ok {
		return false
	}
	b.mu.Lock()
	if _, active := b.conns[name]; active {
		b.closeServiceLocked(name)
	}
	b.mu.Unlock()

	b.reg.Unregister(name)
	b.publishStatus(name, eventbus.StateClosed, 0, nil)
	return true
}

// Reset closes every active service and empties the registry. Adapter
// teardown is asynchronous; the bridge does not wait for subprocess exit.
func (b *Bridge) Reset() {
	b.mu.Lock()
	for name := range b.conns {
		b.closeServiceLocked(name)
	}
	for name, rs := range b.restarts {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(b.restarts, name)
	}
	b.mu.Unlock()

	b.reg.Clear()
	log.Printf("[Bridge] reset: all services closed, registry cleared")
}

// Close shuts the bridge down for good. Active services are closed; further
// starts fail with ErrClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for name := range b.conns {
		b.closeServiceLocked(name)
	}
	for name, rs := range b.restarts {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(b.restarts, name)
	}
	b.mu.Unlock()
}

// closeServiceLocked tears down one active connection and its backoff state.
// Caller holds b.mu. Removing the conn invalidates its epoch, so any still
// in-flight connect or tool fetch for it becomes a no-op.
func (b *Bridge) closeServiceLocked(name string) {
	if conn, ok := b.conns[name]; ok {
		if conn.stabilityTimer != nil {
			conn.stabilityTimer.Stop()
		}
		client := conn.client
		go func() { _ = client.Close() }()
		delete(b.conns, name)
	}
	if rs, ok := b.restarts[name]; ok {
		if rs.timer != nil {
			rs.timer.Stop()
			rs.timer = nil
		}
		delete(b.restarts, name)
	}
}

// handleServiceClosure is the supervisor entry point: a connect attempt
// failed or a live session ended.
func (b *Bridge) handleServiceClosure(name string, epoch uint64, cause error) {
	b.mu.Lock()
	conn, ok := b.conns[name]
	if !ok || conn.epoch != epoch {
		// The service was shut down, reset or replaced; nothing to do.
		b.mu.Unlock()
		return
	}
	if conn.stabilityTimer != nil {
		conn.stabilityTimer.Stop()
	}
	client := conn.client
	go func() { _ = client.Close() }()
	delete(b.conns, name)

	if _, registered := b.reg.Get(name); !registered {
		delete(b.restarts, name)
		b.mu.Unlock()
		b.publishStatus(name, eventbus.StateClosed, 0, cause)
		return
	}

	rs := b.restartLocked(name)
	if cause != nil {
		rs.lastError = cause.Error()
	}
	if rs.gaveUp {
		b.mu.Unlock()
		return
	}
	rs.attempts++
	attempt := rs.attempts
	if attempt > b.maxAttempts {
		rs.gaveUp = true
		b.mu.Unlock()
		log.Printf("[Supervisor] giving up on %s after %d attempts", name, b.maxAttempts)
		b.publishStatus(name, eventbus.StateGivenUp, attempt, cause)
		return
	}
	delay := retryDelay(b.baseDelay, attempt)
	rs.timer = time.AfterFunc(delay, func() { b.retry(name) })
	b.mu.Unlock()

	log.Printf("[Supervisor] service %s closed (%v), retry %d/%d in %s", name, cause, attempt, b.maxAttempts, delay)
	b.publishStatus(name, eventbus.StateRetrying, attempt, cause)
}

// retry re-activates a service from its stored descriptor after a backoff
// delay.
func (b *Bridge) retry(name string) {
	desc, ok := b.reg.Get(name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if rs, tracked := b.restarts[name]; tracked {
		rs.timer = nil
	}
	if !ok {
		delete(b.restarts, name)
		return
	}
	if _, active := b.conns[name]; active {
		return
	}
	if err := b.startLocked(desc); err != nil {
		log.Printf("[Supervisor] retry %s failed: %v", name, err)
	}
}

// retryDelay is the bounded exponential backoff: base, 2*base, 4*base, ...
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// restartLocked returns the backoff state for name, creating it on first use.
// Caller holds b.mu.
func (b *Bridge) restartLocked(name string) *restartState {
	rs, ok := b.restarts[name]
	if !ok {
		rs = &restartState{}
		b.restarts[name] = rs
	}
	return rs
}

// ServiceStatus is a point-in-time view of one service.
type ServiceStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Active    bool   `json:"active"`
	Ready     bool   `json:"ready"`
	ToolCount int    `json:"toolCount"`
	LastError string `json:"lastError,omitempty"`
}

// Status reports the named service. The second return is false when the name
// is neither active nor registered. A registered-but-inactive service is
// reported ready with no tools rather than left in limbo.
func (b *Bridge) Status(name string) (ServiceStatus, bool) {
	desc, registered := b.reg.Get(name)

	b.mu.Lock()
	conn, active := b.conns[name]
	var st ServiceStatus
	if active {
		st = ServiceStatus{
			Name:      name,
			Active:    true,
			Ready:     conn.ready,
			ToolCount: len(conn.tools),
			LastError: conn.lastError,
		}
	} else if rs, ok := b.restarts[name]; ok {
		st.LastError = rs.lastError
	}
	b.mu.Unlock()

	if !active && !registered {
		return ServiceStatus{}, false
	}
	if !active {
		st.Name = name
		st.Ready = true
	}
	if registered {
		st.Kind = string(desc.Kind)
	}
	return st, true
}

// StatusAll snapshots every active service, ordered by name.
func (b *Bridge) StatusAll() []ServiceStatus {
	b.mu.Lock()
	out := make([]ServiceStatus, 0, len(b.conns))
	for name, conn := range b.conns {
		out = append(out, ServiceStatus{
			Name:      name,
			Active:    true,
			Ready:     conn.ready,
			ToolCount: len(conn.tools),
			LastError: conn.lastError,
		})
	}
	b.mu.Unlock()

	for i := range out {
		if desc, ok := b.reg.Get(out[i].Name); ok {
			out[i].Kind = string(desc.Kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Active reports whether the named service has a connection.
func (b *Bridge) Active(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[name]
	return ok
}

// ActiveCount reports how many services are active.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ActiveNames returns active service names in sorted order, which also fixes
// the "first active service" used by unnamed tool calls.
func (b *Bridge) ActiveNames() []string {
	b.mu.Lock()
	names := make([]string, 0, len(b.conns))
	for name := range b.conns {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)
	return names
}

// Tools returns the cached tool list for one active service.
func (b *Bridge) Tools(name string) ([]adapter.Tool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.conns[name]
	if !ok {
		return nil, false
	}
	return append([]adapter.Tool(nil), conn.tools...), true
}

func (b *Bridge) publishStatus(name string, state eventbus.ServiceState, attempt int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	b.publish(eventbus.Envelope{
		Topic:   eventbus.TopicServicesStatus,
		Source:  eventbus.SourceSupervisor,
		Service: name,
		Payload: eventbus.ServiceStatusEvent{State: state, Attempt: attempt, Err: msg},
	})
}

func (b *Bridge) publish(env eventbus.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	b.bus.Publish(env)
}
