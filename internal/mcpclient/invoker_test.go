package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/harveyng/polly/internal/testutil"
)

// connectedSession returns a session already connected to a fixture server.
func connectedSession(t *testing.T) (*Session, *testutil.DocServer) {
	t.Helper()

	server := testutil.MustDocServer(testDocuments, testHistory)
	session := newTestSession(t, server, nil)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	return session, server
}

func TestCallTool_ListDocuments(t *testing.T) {
	session, _ := connectedSession(t)

	payload, err := session.CallTool(context.Background(), "list_documents", nil)
	if err != nil {
		t.Fatalf("CallTool(list_documents) unexpected error: %v", err)
	}

	var entries []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		t.Fatalf("CallTool(list_documents) payload is not JSON: %v\npayload: %s", err, payload)
	}
	if len(entries) != len(testDocuments) {
		t.Errorf("list_documents returned %d entries, want %d", len(entries), len(testDocuments))
	}
}

func TestCallTool_DocumentContent(t *testing.T) {
	session, _ := connectedSession(t)

	payload, err := session.CallTool(context.Background(), "get_document_content",
		map[string]any{"code": "prumax"})
	if err != nil {
		t.Fatalf("CallTool(get_document_content) unexpected error: %v", err)
	}
	if payload != testDocuments["prumax"] {
		t.Errorf("payload = %q, want %q", payload, testDocuments["prumax"])
	}
}

func TestCallTool_ToolErrorKeepsSessionConnected(t *testing.T) {
	session, _ := connectedSession(t)

	_, err := session.CallTool(context.Background(), "get_document_content",
		map[string]any{"code": "no-such-code"})

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CallTool() error = %v, want *ToolError", err)
	}
	if toolErr.Name != "get_document_content" {
		t.Errorf("ToolError.Name = %q, want get_document_content", toolErr.Name)
	}
	if !strings.Contains(toolErr.Message, "no-such-code") {
		t.Errorf("ToolError.Message = %q, want to contain the missing code", toolErr.Message)
	}

	// A tool-level failure must not tear down the session.
	if got := session.State(); got != StateConnected {
		t.Errorf("State() after tool error = %v, want connected", got)
	}
}

func TestCallTool_UnknownToolNoIO(t *testing.T) {
	session, server := connectedSession(t)
	before := server.Calls.Load()

	_, err := session.CallTool(context.Background(), "transfer_funds", nil)

	var unknownErr *UnknownToolError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("CallTool() error = %v, want *UnknownToolError", err)
	}
	if unknownErr.Name != "transfer_funds" {
		t.Errorf("UnknownToolError.Name = %q, want transfer_funds", unknownErr.Name)
	}
	if !slices.Contains(unknownErr.Available, "list_documents") {
		t.Errorf("Available = %v, want to include list_documents", unknownErr.Available)
	}
	if server.Calls.Load() != before {
		t.Error("unknown tool call reached the server, want local rejection")
	}
}

func TestCallTool_NotConnected(t *testing.T) {
	server := testutil.MustDocServer(testDocuments, testHistory)
	session := newTestSession(t, server, nil)

	_, err := session.CallTool(context.Background(), "list_documents", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CallTool() error = %v, want ErrNotConnected", err)
	}
	if server.Calls.Load() != 0 {
		t.Error("call on disconnected session reached the server")
	}
}

func TestCallTool_TransportFaultDegradesSession(t *testing.T) {
	session, _ := connectedSession(t)
	ctx := context.Background()

	// Kill the underlying session behind the state machine's back, then
	// invoke: the protocol call fails and the session must degrade.
	session.mu.Lock()
	_ = session.session.Close()
	session.mu.Unlock()

	_, err := session.CallTool(ctx, "list_documents", nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("CallTool() error = %v, want *TransportError", err)
	}
	if got := session.State(); got != StateDisconnected {
		t.Errorf("State() after transport fault = %v, want disconnected", got)
	}

	// Reconnect restores service.
	if err := session.Connect(ctx); err != nil {
		t.Fatalf("Connect() after fault unexpected error: %v", err)
	}
	if _, err := session.CallTool(ctx, "list_documents", nil); err != nil {
		t.Errorf("CallTool() after reconnect unexpected error: %v", err)
	}
}

func TestCallTool_CallerCancellationKeepsSessionConnected(t *testing.T) {
	session, _ := connectedSession(t)

	// One caller's expired context must not tear down the shared session.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.CallTool(cancelled, "list_documents", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("CallTool() error = %v, want context.Canceled", err)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		t.Errorf("CallTool() error = %v, caller cancellation must not be a transport fault", err)
	}
	if got := session.State(); got != StateConnected {
		t.Errorf("State() after caller cancellation = %v, want connected", got)
	}

	// Other callers keep working without a reconnect.
	if _, err := session.CallTool(context.Background(), "list_documents", nil); err != nil {
		t.Errorf("CallTool() after cancelled caller unexpected error: %v", err)
	}
}

func TestCallToolSafe(t *testing.T) {
	session, _ := connectedSession(t)
	ctx := context.Background()

	result := session.CallToolSafe(ctx, "get_document_content", map[string]any{"code": "prumax"})
	if !result.OK {
		t.Fatalf("CallToolSafe() not OK: %v", result.Err)
	}
	if result.Payload != testDocuments["prumax"] {
		t.Errorf("Payload = %q, want %q", result.Payload, testDocuments["prumax"])
	}

	result = session.CallToolSafe(ctx, "get_document_content", map[string]any{"code": "missing"})
	if result.OK {
		t.Error("CallToolSafe() OK for missing document, want failure")
	}
	var toolErr *ToolError
	if !errors.As(result.Err, &toolErr) {
		t.Errorf("CallToolSafe() Err = %v, want *ToolError", result.Err)
	}
}

func TestHealthCheck(t *testing.T) {
	session, _ := connectedSession(t)

	if err := session.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() unexpected error: %v", err)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	session := newTestSession(t, testutil.MustDocServer(nil, nil), nil)

	if err := session.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealth_ConnectedRunsProbe(t *testing.T) {
	session, _ := connectedSession(t)

	report := session.Health(context.Background())

	if !report.Connected {
		t.Error("Connected = false, want true")
	}
	if report.ToolCount != 3 || len(report.Tools) != 3 {
		t.Errorf("ToolCount = %d, Tools = %v, want 3", report.ToolCount, report.Tools)
	}
	if report.TestToolCall == nil || !*report.TestToolCall {
		t.Errorf("TestToolCall = %v, want true", report.TestToolCall)
	}
	if report.TestError != "" {
		t.Errorf("TestError = %q, want empty", report.TestError)
	}
}

func TestHealth_DisconnectedSkipsProbe(t *testing.T) {
	session := newTestSession(t, testutil.MustDocServer(nil, nil), nil)

	report := session.Health(context.Background())

	if report.Connected {
		t.Error("Connected = true, want false")
	}
	if report.TestToolCall != nil {
		t.Errorf("TestToolCall = %v, want nil (no probe on a disconnected session)", report.TestToolCall)
	}
}

func TestCallTool_ChatHistory(t *testing.T) {
	session, _ := connectedSession(t)

	payload, err := session.CallTool(context.Background(), "get_chat_history",
		map[string]any{"thread_id": "thread-1", "limit": 10})
	if err != nil {
		t.Fatalf("CallTool(get_chat_history) unexpected error: %v", err)
	}
	if payload != testHistory["thread-1"] {
		t.Errorf("payload = %q, want %q", payload, testHistory["thread-1"])
	}

	payload, err = session.CallTool(context.Background(), "get_chat_history",
		map[string]any{"thread_id": "missing-thread"})
	if err != nil {
		t.Fatalf("CallTool(get_chat_history) unexpected error: %v", err)
	}
	if !strings.Contains(payload, "No chat history found") {
		t.Errorf("payload = %q, want empty-history message", payload)
	}
}
