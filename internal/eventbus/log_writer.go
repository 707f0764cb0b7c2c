package eventbus

import (
	"strings"
	"sync"
)

const maxLogLineLength = 2000

const truncatedSuffix = "…[truncated]"

// ServiceLogWriter adapts an io.Writer sink (a subprocess stderr pipe) into
// per-line ServiceLogEvent publications tagged with the service name.
type ServiceLogWriter struct {
	mu      sync.Mutex
	bus     *Bus
	service string
	buffer  string
}

// NewServiceLogWriter creates a writer that publishes complete lines on
// TopicServicesLog.
func NewServiceLogWriter(bus *Bus, service string) *ServiceLogWriter {
	return &ServiceLogWriter{bus: bus, service: service}
}

func (w *ServiceLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer += string(p)
	lines := strings.Split(w.buffer, "\n")
	w.buffer = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		w.publishLineLocked(line)
	}
	return len(p), nil
}

// Close flushes any trailing partial line.
func (w *ServiceLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buffer != "" {
		w.publishLineLocked(w.buffer)
		w.buffer = ""
	}
	return nil
}

func (w *ServiceLogWriter) publishLineLocked(line string) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return
	}
	if len(line) > maxLogLineLength {
		line = line[:maxLogLineLength] + truncatedSuffix
	}
	w.bus.Publish(Envelope{
		Topic:   TopicServicesLog,
		Source:  SourceServiceProcess,
		Service: w.service,
		Payload: ServiceLogEvent{Line: line},
	})
}
