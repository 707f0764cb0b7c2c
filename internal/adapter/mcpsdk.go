package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/mcpbridge/internal/version"
)

// NewFactory returns the production factory backed by the MCP Go SDK.
func NewFactory() Factory {
	return &sdkFactory{}
}

type sdkFactory struct{}

func (f *sdkFactory) New(spec Spec) (Client, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("adapter: spec missing name")
	}
	if !spec.Local() && spec.Endpoint == "" {
		return nil, fmt.Errorf("adapter: spec for %q has neither command nor endpoint", spec.Name)
	}
	return &sdkClient{spec: spec, done: make(chan struct{})}, nil
}

type sdkClient struct {
	spec Spec

	mu      sync.Mutex
	session *mcp.ClientSession
	closed  bool

	done chan struct{}
}

func (c *sdkClient) Connect(ctx context.Context) error {
	transport, err := c.buildTransport()
	if err != nil {
		return err
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "mcpbridge",
		Version: version.String(),
	}, &mcp.ClientOptions{})

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("adapter: connect %s: %w", c.spec.Name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = session.Close()
		return fmt.Errorf("adapter: %s closed during connect", c.spec.Name)
	}
	c.session = session
	c.mu.Unlock()

	go func() {
		_ = session.Wait()
		close(c.done)
	}()
	return nil
}

func (c *sdkClient) buildTransport() (mcp.Transport, error) {
	if c.spec.Local() {
		cmd := exec.Command(expandHome(c.spec.Command), c.spec.Args...)
		cmd.Env = mergedEnv(c.spec.Env)
		if c.spec.WorkingDir != "" {
			cmd.Dir = expandHome(c.spec.WorkingDir)
		}
		if c.spec.Stderr != nil {
			cmd.Stderr = c.spec.Stderr
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}

	switch c.spec.ConnectionType {
	case "sse":
		return &mcp.SSEClientTransport{Endpoint: c.spec.Endpoint}, nil
	case "", "http-stream":
		return &mcp.StreamableClientTransport{Endpoint: c.spec.Endpoint}, nil
	default:
		return nil, fmt.Errorf("adapter: %s: unknown connection type %q", c.spec.Name, c.spec.ConnectionType)
	}
}

func (c *sdkClient) Tools(ctx context.Context) ([]Tool, error) {
	session := c.currentSession()
	if session == nil {
		return nil, ErrNotConnected
	}
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: list tools %s: %w", c.spec.Name, err)
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out := Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				out.InputSchema = raw
			}
		}
		tools = append(tools, out)
	}
	return tools, nil
}

func (c *sdkClient) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	session := c.currentSession()
	if session == nil {
		return nil, ErrNotConnected
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("adapter: call %s/%s: %w", c.spec.Name, name, err)
	}

	out := &CallResult{IsError: res.IsError}
	for _, item := range res.Content {
		switch block := item.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, Content{Type: "text", Text: block.Text})
		default:
			// Non-text blocks are passed through as their JSON encoding.
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			out.Content = append(out.Content, Content{Type: "json", Text: string(raw)})
		}
	}
	return out, nil
}

func (c *sdkClient) Done() <-chan struct{} { return c.done }

func (c *sdkClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func (c *sdkClient) currentSession() *mcp.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.session
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// mergedEnv layers the service env on top of the daemon's environment and
// fills in cache locations that npm-based servers require when the daemon
// runs without one.
func mergedEnv(extra map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	if _, ok := merged["NPM_CONFIG_CACHE"]; !ok {
		merged["NPM_CONFIG_CACHE"] = filepath.Join(os.TempDir(), "mcpbridge-npm-cache")
	}
	if _, ok := merged["XDG_CACHE_HOME"]; !ok {
		merged["XDG_CACHE_HOME"] = filepath.Join(os.TempDir(), "mcpbridge-cache")
	}
	for k, v := range extra {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
