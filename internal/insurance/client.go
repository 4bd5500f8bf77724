// Package insurance is the domain layer over the tool server: typed access
// to the insurance document tools and the inquiry service that turns a
// customer question into an answer with sources.
package insurance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
)

// Tool names exposed by the insurance tool server. The catalog is discovered
// at connect time; these constants cover the tools polly itself depends on,
// anything beyond them is reachable through Session.CallTool by name.
const (
	ToolListDocuments      = "list_documents"
	ToolGetDocumentContent = "get_document_content"
	ToolGetChatHistory     = "get_chat_history"
)

// ErrDocumentNotFound is returned when the server has no document for the
// requested product code.
var ErrDocumentNotFound = errors.New("insurance: document not found")

// DocumentInfo identifies one product document in the server's catalog.
type DocumentInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Client adapts the generic tool session to the insurance domain.
type Client struct {
	session *mcpclient.Session
	logger  log.Logger
}

// NewClient wraps an existing session. The session may still be
// disconnected; every call ensures the connection first.
func NewClient(session *mcpclient.Session, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{session: session, logger: logger}
}

// Session exposes the underlying session for health reporting.
func (c *Client) Session() *mcpclient.Session {
	return c.session
}

// ListDocuments returns the catalog of product documents.
func (c *Client) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	if err := c.session.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	payload, err := c.session.CallTool(ctx, ToolListDocuments, nil)
	if err != nil {
		return nil, err
	}

	var docs []DocumentInfo
	if err := json.Unmarshal([]byte(payload), &docs); err != nil {
		return nil, fmt.Errorf("insurance: decoding document list: %w", err)
	}
	return docs, nil
}

// DocumentContent returns the full document text for a product code.
// A server-side miss maps to ErrDocumentNotFound.
func (c *Client) DocumentContent(ctx context.Context, code string) (string, error) {
	if err := c.session.EnsureConnected(ctx); err != nil {
		return "", err
	}

	payload, err := c.session.CallTool(ctx, ToolGetDocumentContent, map[string]any{
		"code": code,
	})
	if err != nil {
		var toolErr *mcpclient.ToolError
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Message, "not found") {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, code)
		}
		return "", err
	}
	return payload, nil
}

// ChatHistory returns the rendered conversation context for a thread. An
// empty thread yields an empty string, not an error.
func (c *Client) ChatHistory(ctx context.Context, threadID string, limit int) (string, error) {
	if err := c.session.EnsureConnected(ctx); err != nil {
		return "", err
	}

	if limit <= 0 {
		limit = 10
	}
	payload, err := c.session.CallTool(ctx, ToolGetChatHistory, map[string]any{
		"thread_id": threadID,
		"limit":     limit,
	})
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(payload, "No chat history found") {
		return "", nil
	}
	return payload, nil
}
