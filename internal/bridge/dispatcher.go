package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mcpbridge/mcpbridge/internal/adapter"
	"github.com/mcpbridge/mcpbridge/internal/protocol"
	"github.com/mcpbridge/mcpbridge/internal/registry"
	"github.com/mcpbridge/mcpbridge/internal/version"
)

// Dispatcher routes parsed commands to the bridge. Every command produces
// exactly one response line; toolcall writes its line once the backend
// answers or the tracker times the request out.
type Dispatcher struct {
	bridge      *Bridge
	tracker     *Tracker
	callTimeout time.Duration
}

// NewDispatcher wires a dispatcher to its bridge and tracker. callTimeout
// bounds a single forwarded tool call; zero selects the tracker default.
func NewDispatcher(b *Bridge, t *Tracker, callTimeout time.Duration) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 180 * time.Second
	}
	return &Dispatcher{bridge: b, tracker: t, callTimeout: callTimeout}
}

// Dispatch handles one request. A handler panic is absorbed into a -32603
// reply; a fault in one command never takes the bridge down.
func (d *Dispatcher) Dispatch(req protocol.Request, sink ResponseSink) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] panic handling %q: %v", req.Command, r)
			_ = sink.WriteResponse(protocol.Err(req.ID, protocol.CodeInternalError,
				fmt.Sprintf("internal error: %v", r)))
		}
	}()

	switch req.Command {
	case protocol.CommandPing:
		_ = sink.WriteResponse(d.handlePing(req))
	case protocol.CommandStatus:
		_ = sink.WriteResponse(d.handleStatus(req))
	case protocol.CommandListTools:
		_ = sink.WriteResponse(d.handleListTools(req))
	case protocol.CommandList:
		_ = sink.WriteResponse(d.handleList(req))
	case protocol.CommandSpawn:
		_ = sink.WriteResponse(d.handleSpawn(req))
	case protocol.CommandShutdown:
		_ = sink.WriteResponse(d.handleShutdown(req))
	case protocol.CommandRegister:
		_ = sink.WriteResponse(d.handleRegister(req))
	case protocol.CommandUnregister:
		_ = sink.WriteResponse(d.handleUnregister(req))
	case protocol.CommandToolCall:
		d.handleToolCall(req, sink)
	case protocol.CommandReset:
		_ = sink.WriteResponse(d.handleReset(req))
	default:
		_ = sink.WriteResponse(protocol.Err(req.ID, protocol.CodeNotFound,
			fmt.Sprintf("unknown command: %s", req.Command)))
	}
}

type nameParams struct {
	Name string `json:"name"`
}

func (d *Dispatcher) handlePing(req protocol.Request) protocol.Response {
	var p nameParams
	decodeParams(req.Params, &p)

	if p.Name == "" {
		return protocol.OK(req.ID, map[string]any{
			"status":         "ok",
			"version":        version.String(),
			"uptimeSeconds":  int(d.bridge.Uptime().Seconds()),
			"activeServices": d.bridge.ActiveCount(),
		})
	}

	st, ok := d.bridge.Status(p.Name)
	if !ok {
		return protocol.Err(req.ID, protocol.CodeNotFound,
			fmt.Sprintf("service not found: %s", p.Name))
	}
	status := "ok"
	if !st.Active {
		status = "registered_not_active"
	}
	return protocol.OK(req.ID, map[string]any{
		"status": status,
		"name":   st.Name,
		"active": st.Active,
		"ready":  st.Ready,
	})
}

func (d *Dispatcher) handleStatus(req protocol.Request) protocol.Response {
	statuses := d.bridge.StatusAll()
	services := make(map[string]any, len(statuses))
	for _, st := range statuses {
		services[st.Name] = map[string]any{
			"active":    st.Active,
			"ready":     st.Ready,
			"toolCount": st.ToolCount,
			"kind":      st.Kind,
		}
	}
	return protocol.OK(req.ID, map[string]any{
		"activeServices": len(statuses),
		"services":       services,
	})
}

func (d *Dispatcher) handleListTools(req protocol.Request) protocol.Response {
	var p nameParams
	decodeParams(req.Params, &p)

	if p.Name != "" {
		tools, active := d.bridge.Tools(p.Name)
		if active {
			return protocol.OK(req.ID, map[string]any{"name": p.Name, "tools": toolList(tools)})
		}
		if _, registered := d.bridge.Registry().Get(p.Name); registered {
			return protocol.Err(req.ID, protocol.CodeInternalError,
				fmt.Sprintf("service not active: %s", p.Name))
		}
		return protocol.Err(req.ID, protocol.CodeNotFound,
			fmt.Sprintf("service not found: %s", p.Name))
	}

	all := make(map[string]any)
	for _, name := range d.bridge.ActiveNames() {
		if tools, ok := d.bridge.Tools(name); ok {
			all[name] = toolList(tools)
		}
	}
	return protocol.OK(req.ID, map[string]any{"services": all})
}

func (d *Dispatcher) handleList(req protocol.Request) protocol.Response {
	descs := d.bridge.Registry().List()
	services := make([]map[string]any, 0, len(descs))
	for _, desc := range descs {
		entry := map[string]any{
			"name":        desc.Name,
			"kind":        string(desc.Kind),
			"description": desc.Description,
			"active":      false,
			"ready":       false,
			"toolCount":   0,
		}
		if desc.Kind == registry.KindLocal {
			entry["command"] = desc.Command
			entry["args"] = desc.Args
		} else {
			entry["endpoint"] = desc.Endpoint
			entry["connectionType"] = desc.ConnectionType
		}
		if !desc.CreatedAt.IsZero() {
			entry["createdAt"] = desc.CreatedAt
		}
		if !desc.LastUsedAt.IsZero() {
			entry["lastUsedAt"] = desc.LastUsedAt
		}
		if st, ok := d.bridge.Status(desc.Name); ok && st.Active {
			entry["active"] = true
			entry["ready"] = st.Ready
			entry["toolCount"] = st.ToolCount
		}
		services = append(services, entry)
	}
	return protocol.OK(req.ID, map[string]any{"services": services})
}

type spawnParams struct {
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	Cwd            string            `json:"cwd"`
	Endpoint       string            `json:"endpoint"`
	ConnectionType string            `json:"connectionType"`
	Description    string            `json:"description"`
}

func (d *Dispatcher) handleSpawn(req protocol.Request) protocol.Response {
	var p spawnParams
	decodeParams(req.Params, &p)
	if p.Name == "" {
		return protocol.Err(req.ID, protocol.CodeInvalidParams, "missing service name")
	}

	reg := d.bridge.Registry()
	if _, registered := reg.Get(p.Name); !registered {
		desc, err := descriptorFromSpawn(p)
		if err != nil {
			return protocol.Err(req.ID, protocol.CodeInvalidParams, err.Error())
		}
		if !reg.Register(desc) {
			return protocol.Err(req.ID, protocol.CodeInvalidParams,
				fmt.Sprintf("invalid configuration for service %s", p.Name))
		}
	}

	if err := d.bridge.Start(p.Name); err != nil {
		return protocol.Err(req.ID, protocol.CodeInternalError,
			fmt.Sprintf("start %s: %v", p.Name, err))
	}
	return protocol.OK(req.ID, map[string]any{"name": p.Name, "active": true})
}

func descriptorFromSpawn(p spawnParams) (registry.Descriptor, error) {
	switch {
	case p.Command != "":
		return registry.Descriptor{
			Name:        p.Name,
			Kind:        registry.KindLocal,
			Command:     p.Command,
			Args:        p.Args,
			WorkingDir:  p.Cwd,
			Env:         p.Env,
			Description: p.Description,
		}, nil
	case p.Endpoint != "":
		return registry.Descriptor{
			Name:           p.Name,
			Kind:           registry.KindRemote,
			Endpoint:       p.Endpoint,
			ConnectionType: p.ConnectionType,
			Description:    p.Description,
		}, nil
	default:
		return registry.Descriptor{},
			fmt.Errorf("service %s is not registered and no command or endpoint was given", p.Name)
	}
}

func (d *Dispatcher) handleShutdown(req protocol.Request) protocol.Response {
	var p nameParams
	decodeParams(req.Params, &p)
	if p.Name == "" {
		return protocol.Err(req.ID, protocol.CodeInvalidParams, "missing service name")
	}
	if err := d.bridge.Shutdown(p.Name); err != nil {
		return protocol.Err(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("service not active: %s", p.Name))
	}
	return protocol.OK(req.ID, map[string]any{"name": p.Name, "stopped": true})
}

type registerParams struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	Cwd            string            `json:"cwd"`
	Endpoint       string            `json:"endpoint"`
	ConnectionType string            `json:"connectionType"`
	Description    string            `json:"description"`
}

func (d *Dispatcher) handleRegister(req protocol.Request) protocol.Response {
	var p registerParams
	decodeParams(req.Params, &p)
	if p.Name == "" {
		return protocol.Err(req.ID, protocol.CodeInvalidParams, "missing service name")
	}

	var desc registry.Descriptor
	switch p.Type {
	case "local":
		if p.Command == "" {
			return protocol.Err(req.ID, protocol.CodeInvalidParams,
				"local service requires a command")
		}
		desc = registry.Descriptor{
			Name:        p.Name,
			Kind:        registry.KindLocal,
			Command:     p.Command,
			Args:        p.Args,
			WorkingDir:  p.Cwd,
			Env:         p.Env,
			Description: p.Description,
		}
	case "remote":
		if p.Endpoint == "" {
			return protocol.Err(req.ID, protocol.CodeInvalidParams,
				"remote service requires an endpoint")
		}
		desc = registry.Descriptor{
			Name:           p.Name,
			Kind:           registry.KindRemote,
			Endpoint:       p.Endpoint,
			ConnectionType: p.ConnectionType,
			Description:    p.Description,
		}
	default:
		return protocol.Err(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("unknown service type: %q", p.Type))
	}

	if !d.bridge.Registry().Register(desc) {
		return protocol.Err(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("invalid configuration for service %s", p.Name))
	}
	return protocol.OK(req.ID, map[string]any{"name": p.Name, "registered": true})
}

func (d *Dispatcher) handleUnregister(req protocol.Request) protocol.Response {
	var p nameParams
	decodeParams(req.Params, &p)
	if p.Name == "" {
		return protocol.Err(req.ID, protocol.CodeInvalidParams, "missing service name")
	}
	if !d.bridge.Unregister(p.Name) {
		return protocol.Err(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("unknown service: %s", p.Name))
	}
	return protocol.OK(req.ID, map[string]any{"name": p.Name, "unregistered": true})
}

func (d *Dispatcher) handleReset(req protocol.Request) protocol.Response {
	d.bridge.Reset()
	d.tracker.Clear()
	return protocol.OK(req.ID, map[string]any{"reset": true})
}

type toolCallParams struct {
	Name   string         `json:"name"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// handleToolCall forwards the invocation to the resolved service. The reply
// is deferred until the backend answers; the tracker guards the exit paths so
// it is written at most once.
func (d *Dispatcher) handleToolCall(req protocol.Request, sink ResponseSink) {
	var p toolCallParams
	decodeParams(req.Params, &p)
	if p.Method == "" {
		_ = sink.WriteResponse(protocol.Err(req.ID, protocol.CodeInvalidParams, "missing tool method"))
		return
	}

	target := p.Name
	if target != "" {
		if !d.bridge.Active(target) {
			_ = sink.WriteResponse(protocol.Err(req.ID, protocol.CodeInvalidParams,
				fmt.Sprintf("service not active: %s", target)))
			return
		}
	} else {
		names := d.bridge.ActiveNames()
		if len(names) == 0 {
			_ = sink.WriteResponse(protocol.Err(req.ID, protocol.CodeInvalidParams, "no active services"))
			return
		}
		target = names[0]
	}

	d.tracker.Track(req.ID, sink)
	go d.forwardToolCall(req.ID, target, p.Method, p.Params)
}

func (d *Dispatcher) forwardToolCall(id, service, method string, args map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] panic in tool call %s/%s: %v", service, method, r)
			d.finishToolCall(id, protocol.Err(id, protocol.CodeInternalError,
				fmt.Sprintf("internal error: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()

	res, err := d.bridge.CallTool(ctx, service, method, args)
	switch {
	case errors.Is(err, ErrServiceNotActive):
		d.finishToolCall(id, protocol.Err(id, protocol.CodeInvalidParams,
			fmt.Sprintf("service not active: %s", service)))
	case err != nil:
		d.finishToolCall(id, protocol.Err(id, protocol.CodeInternalError, err.Error()))
	case res.IsError:
		d.finishToolCall(id, protocol.Err(id, protocol.CodeToolCallFailed, toolErrorMessage(res)))
	default:
		d.finishToolCall(id, protocol.OK(id, map[string]any{"content": contentList(res.Content)}))
	}
}

// finishToolCall writes the reply only if the request is still tracked; the
// sweep or a socket close may have claimed it already.
func (d *Dispatcher) finishToolCall(id string, resp protocol.Response) {
	if sink, ok := d.tracker.Resolve(id); ok {
		_ = sink.WriteResponse(resp)
	}
}

func toolErrorMessage(res *adapter.CallResult) string {
	for _, c := range res.Content {
		if c.Text != "" {
			return c.Text
		}
	}
	return "tool call failed"
}

// toolList keeps an empty inventory as [] rather than null on the wire.
func toolList(tools []adapter.Tool) []adapter.Tool {
	if tools == nil {
		return []adapter.Tool{}
	}
	return tools
}

func contentList(content []adapter.Content) []adapter.Content {
	if content == nil {
		return []adapter.Content{}
	}
	return content
}

// decodeParams tolerates absent or null params; a handler then validates the
// zero values it received.
func decodeParams(raw json.RawMessage, dst any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}
