package dispatch

import (
	"context"
)

// ProtocolVersion is the protocol revision reported during the handshake.
const ProtocolVersion = "2025-03-26"

// ServerInfo identifies this server in the handshake response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CoreExecutor handles the protocol housekeeping methods — the handshake and
// liveness ping — and delegates everything else to the tool-execution layer
// behind it. With no delegate, unknown methods get a method-not-found error.
type CoreExecutor struct {
	info     ServerInfo
	delegate Executor
}

// NewCoreExecutor creates a CoreExecutor. delegate may be nil.
func NewCoreExecutor(info ServerInfo, delegate Executor) *CoreExecutor {
	return &CoreExecutor{info: info, delegate: delegate}
}

// Execute implements Executor.
func (e *CoreExecutor) Execute(ctx context.Context, call Call) (any, error) {
	switch call.Method {
	case "initialize":
		capabilities := call.Session.ServerCapabilities
		if capabilities == nil {
			capabilities = map[string]any{"tools": map[string]any{}}
		}
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      e.info,
			"capabilities":    capabilities,
			"sessionId":       call.Session.ConnectionID,
		}, nil

	case "ping":
		return map[string]any{}, nil
	}

	if e.delegate != nil {
		return e.delegate.Execute(ctx, call)
	}

	return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + call.Method}
}
