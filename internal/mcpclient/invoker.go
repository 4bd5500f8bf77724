package mcpclient

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// healthProbeTool is the catalog entry invoked by HealthCheck. It is the
// cheapest read-only tool the insurance server exposes.
const healthProbeTool = "list_documents"

// CallTool invokes a named tool and returns its text payload.
//
// The name is validated against the discovered catalog before any I/O:
// calls on a disconnected session fail with ErrNotConnected, calls to
// unknown tools with *UnknownToolError. A server-side tool failure is
// returned as *ToolError and leaves the session connected; a transport
// fault is returned as *TransportError and degrades the session to
// disconnected. A cancelled or expired caller context is returned as the
// plain context error and leaves the session connected.
//
// Invocations run concurrently; only the catalog snapshot is taken under
// the session lock.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	if _, ok := s.byName[name]; !ok {
		available := make([]string, 0, len(s.byName))
		for toolName := range s.byName {
			available = append(available, toolName)
		}
		s.mu.Unlock()
		return "", &UnknownToolError{Name: name, Available: available}
	}
	session := s.session
	s.mu.Unlock()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		// The caller's own cancellation or deadline expiry is not a
		// transport fault: the session stays connected for everyone else.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		s.degrade(session)
		return "", &TransportError{Op: "call " + name, Err: err}
	}

	payload := textPayload(result)
	if result.IsError {
		return "", &ToolError{Name: name, Message: payload}
	}
	return payload, nil
}

// Result is the outcome of CallToolSafe.
type Result struct {
	OK      bool
	Payload string
	Err     error
}

// CallToolSafe invokes a tool and folds every failure into the returned
// Result instead of an error return. Intended for call sites that render
// tool output directly and never branch on failure kind.
func (s *Session) CallToolSafe(ctx context.Context, name string, args map[string]any) Result {
	payload, err := s.CallTool(ctx, name, args)
	if err != nil {
		return Result{Err: err}
	}
	return Result{OK: true, Payload: payload}
}

// HealthCheck verifies the session end to end by invoking the document
// listing tool. A tool-level failure still counts as healthy: the server
// answered over a working transport.
func (s *Session) HealthCheck(ctx context.Context) error {
	_, err := s.CallTool(ctx, healthProbeTool, nil)
	if err == nil {
		return nil
	}
	if _, ok := err.(*ToolError); ok {
		return nil
	}
	return err
}

// Health is a point-in-time diagnostic report of the session.
type Health struct {
	Connected    bool     `json:"connected"`
	ServerURL    string   `json:"server_url"`
	Tools        []string `json:"tools"`
	ToolCount    int      `json:"tool_count"`
	TestToolCall *bool    `json:"test_tool_call,omitempty"`
	TestError    string   `json:"test_error,omitempty"`
}

// Health reports connection state, the discovered catalog, and the outcome
// of a probe call when the probe tool is in the catalog. TestToolCall is
// nil when no probe ran.
func (s *Session) Health(ctx context.Context) Health {
	report := Health{
		Connected: s.Connected(),
		ServerURL: s.cfg.ServerURL,
		Tools:     s.Tools(),
	}
	report.ToolCount = len(report.Tools)

	if report.Connected && s.HasTool(healthProbeTool) {
		ok := true
		if err := s.HealthCheck(ctx); err != nil {
			ok = false
			report.TestError = err.Error()
		}
		report.TestToolCall = &ok
	}
	return report
}

// textPayload joins the text content items of a tool result. Non-text
// content is skipped.
func textPayload(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// degrade tears the session down after a transport fault, unless a
// reconnect already replaced it.
func (s *Session) degrade(failed *mcp.ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != failed {
		return
	}
	s.logger.Warn("tool server transport fault, session degraded to disconnected")
	_ = s.teardownLocked()
}
