package protocol

import "encoding/json"

// Request represents a client command sent to the bridge. Params stays raw so
// each handler decodes only the shape it expects.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a bridge reply to a client. Exactly one response is
// written per command.
type Response struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a JSON-RPC style error code and message.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Command names recognised by the dispatcher.
const (
	CommandPing       = "ping"
	CommandStatus     = "status"
	CommandListTools  = "listtools"
	CommandList       = "list"
	CommandSpawn      = "spawn"
	CommandShutdown   = "shutdown"
	CommandRegister   = "register"
	CommandUnregister = "unregister"
	CommandToolCall   = "toolcall"
	CommandReset      = "reset"
)

// Error codes, mirroring JSON-RPC conventions without the full envelope.
const (
	CodeParseError     = -32700
	CodeNotFound       = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeToolCallFailed = -32000
)

// OK builds a successful response.
func OK(id string, result any) Response {
	return Response{ID: id, Success: true, Result: result}
}

// Err builds an error response.
func Err(id string, code int, message string) Response {
	return Response{ID: id, Success: false, Error: &ResponseError{Code: code, Message: message}}
}
