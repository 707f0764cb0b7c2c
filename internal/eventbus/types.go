package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicServicesStatus  Topic = "services.status"
	TopicServicesTools   Topic = "services.tools"
	TopicServicesLog     Topic = "services.log"
	TopicRequestsTimeout Topic = "requests.timeout"
	TopicBridgeLifecycle Topic = "bridge.lifecycle"
)

// Source describes which component produced an event.
type Source string

const (
	SourceBridge         Source = "bridge"
	SourceSupervisor     Source = "supervisor"
	SourceTracker        Source = "tracker"
	SourceServer         Source = "server"
	SourceServiceProcess Source = "service_process"
	SourceUnknown        Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Service   string
	Payload   any
}

// ServiceState labels a service lifecycle transition.
type ServiceState string

const (
	StateStarting  ServiceState = "starting"
	StateConnected ServiceState = "connected"
	StateReady     ServiceState = "ready"
	StateClosed    ServiceState = "closed"
	StateRetrying  ServiceState = "retrying"
	StateGivenUp   ServiceState = "given_up"
)

// ServiceStatusEvent reports a service lifecycle transition.
type ServiceStatusEvent struct {
	State   ServiceState
	Attempt int
	Err     string
}

// ServiceToolsEvent reports a resolved tool list.
type ServiceToolsEvent struct {
	Count int
}

// ServiceLogEvent carries one stderr line from a local service process.
type ServiceLogEvent struct {
	Line string
}

// RequestTimeoutEvent reports a tool call aged out by the sweep.
type RequestTimeoutEvent struct {
	RequestID string
	Age       time.Duration
}

// LifecycleEvent reports bridge-level start/stop transitions.
type LifecycleEvent struct {
	State string // "started" or "stopped"
	Addr  string
}
