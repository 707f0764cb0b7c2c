// Package adapter abstracts the protocol client used to talk to tool
// services. The bridge only ever sees the Client and Factory interfaces; the
// concrete implementation lives in mcpsdk.go and tests substitute fakes.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrNotConnected is returned by Client methods invoked before Connect
// succeeded or after the session closed.
var ErrNotConnected = errors.New("adapter: not connected")

// Spec carries everything needed to reach one service. Exactly one of the
// local (Command) and remote (Endpoint) groups is populated.
type Spec struct {
	Name string

	// Local subprocess.
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Stderr     io.Writer

	// Remote endpoint.
	Endpoint       string
	ConnectionType string
}

// Local reports whether the spec describes a subprocess service.
func (s Spec) Local() bool { return s.Command != "" }

// Tool is one entry of a service's tool inventory. InputSchema is kept as raw
// JSON so it passes through the bridge untouched.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one block of a tool call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the outcome of a tool invocation. IsError marks a
// tool-reported failure delivered through the normal result channel.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Client is one live connection to a service.
type Client interface {
	// Connect establishes the session. For local services this launches the
	// subprocess and performs the handshake.
	Connect(ctx context.Context) error
	// Tools fetches the service's tool inventory.
	Tools(ctx context.Context) ([]Tool, error)
	// Call invokes a named tool.
	Call(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	// Done is closed when the session ends for any reason, including Close.
	Done() <-chan struct{}
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Factory creates clients. The bridge holds one factory for its lifetime.
type Factory interface {
	New(spec Spec) (Client, error)
}
