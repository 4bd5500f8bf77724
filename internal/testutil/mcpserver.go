package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DocServer is an in-process tool server exposing the insurance document
// tools over in-memory transports. It backs session and service tests
// without a network or a real tool backend.
type DocServer struct {
	server *mcp.Server

	// Documents maps product code to content. Read-only after construction.
	Documents map[string]string

	// History maps thread id to preformatted history text.
	History map[string]string

	// Calls counts tool invocations across all sessions.
	Calls atomic.Int64
}

// DocumentContentInput is the argument schema for get_document_content.
type DocumentContentInput struct {
	Code string `json:"code" jsonschema:"Insurance product code"`
}

// ChatHistoryInput is the argument schema for get_chat_history.
type ChatHistoryInput struct {
	ThreadID string `json:"thread_id" jsonschema:"Chat thread identifier"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum messages to return"`
}

// NewDocServer builds a tool server over the given fixtures. Either map may
// be nil.
func NewDocServer(documents, history map[string]string) (*DocServer, error) {
	s := &DocServer{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "polly-test-tools",
			Version: "0.0.1",
		}, nil),
		Documents: documents,
		History:   history,
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustDocServer is NewDocServer for test setup paths that cannot return an
// error.
func MustDocServer(documents, history map[string]string) *DocServer {
	s, err := NewDocServer(documents, history)
	if err != nil {
		panic(fmt.Sprintf("testutil: building doc server: %v", err))
	}
	return s
}

// Dial produces a fresh client transport with a server session already
// attached. Matches the session dialer signature, so a test session can
// reconnect repeatedly against the same fixture.
func (s *DocServer) Dial(ctx context.Context) (mcp.Transport, error) {
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := s.server.Connect(ctx, serverTransport, nil); err != nil {
		return nil, fmt.Errorf("connecting server session: %w", err)
	}
	return clientTransport, nil
}

// FailingDial wraps Dial so the first n attempts fail. Exercises connection
// retry paths.
func (s *DocServer) FailingDial(n int) func(ctx context.Context) (mcp.Transport, error) {
	var calls atomic.Int64
	return func(ctx context.Context) (mcp.Transport, error) {
		if calls.Add(1) <= int64(n) {
			return nil, fmt.Errorf("dial refused (attempt %d)", calls.Load())
		}
		return s.Dial(ctx)
	}
}

func (s *DocServer) registerTools() error {
	contentSchema, err := jsonschema.For[DocumentContentInput](nil)
	if err != nil {
		return fmt.Errorf("building get_document_content schema: %w", err)
	}
	historySchema, err := jsonschema.For[ChatHistoryInput](nil)
	if err != nil {
		return fmt.Errorf("building get_chat_history schema: %w", err)
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_documents",
		Description: "Get list of all insurance documents with their codes and names.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, any, error) {
		s.Calls.Add(1)

		type entry struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		entries := make([]entry, 0, len(s.Documents))
		for code := range s.Documents {
			entries = append(entries, entry{Code: code, Name: "Document " + code})
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		}, nil, nil
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_document_content",
		Description: "Get insurance product document content by product code.",
		InputSchema: contentSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in DocumentContentInput) (*mcp.CallToolResult, any, error) {
		s.Calls.Add(1)

		content, ok := s.Documents[in.Code]
		if !ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{
					Text: fmt.Sprintf("Insurance product document with code '%s' not found.", in.Code),
				}},
				IsError: true,
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: content}},
		}, nil, nil
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_chat_history",
		Description: "Get recent chat history for an insurance inquiry thread.",
		InputSchema: historySchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ChatHistoryInput) (*mcp.CallToolResult, any, error) {
		s.Calls.Add(1)

		history, ok := s.History[in.ThreadID]
		if !ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{
					Text: "No chat history found for thread: " + in.ThreadID,
				}},
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: history}},
		}, nil, nil
	})

	return nil
}
