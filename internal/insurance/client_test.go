package insurance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
	"github.com/harveyng/polly/internal/testutil"
)

var fixtureDocuments = map[string]string{
	"pru-edu-saver": "Education savings plan. Covers tuition from age 6.",
	"prumax":        "Whole life protection with flexible premiums.",
}

var fixtureHistory = map[string]string{
	"thread-1": "[2026-08-01 10:00]\nQ: What is prumax?\nA: A whole life plan.",
}

// newTestClient builds a Client over a disconnected session dialing the
// fixture server. The first call connects lazily.
func newTestClient(t *testing.T, server *testutil.DocServer) *Client {
	t.Helper()

	session := mcpclient.New(mcpclient.Config{
		Name:           "polly-test",
		Version:        "0.0.1",
		ServerURL:      "http://in-memory.invalid",
		ConnectTimeout: 5 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: 5 * time.Millisecond,
		Dial:           server.Dial,
	}, log.NewNop())
	t.Cleanup(func() { _ = session.Disconnect() })

	return NewClient(session, log.NewNop())
}

func TestClient_ListDocuments(t *testing.T) {
	client := newTestClient(t, testutil.MustDocServer(fixtureDocuments, fixtureHistory))

	docs, err := client.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("ListDocuments() unexpected error: %v", err)
	}
	if len(docs) != len(fixtureDocuments) {
		t.Fatalf("ListDocuments() returned %d documents, want %d", len(docs), len(fixtureDocuments))
	}
	for _, doc := range docs {
		if _, ok := fixtureDocuments[doc.Code]; !ok {
			t.Errorf("ListDocuments() unexpected code %q", doc.Code)
		}
		if doc.Name == "" {
			t.Errorf("ListDocuments() code %q has empty name", doc.Code)
		}
	}

	// Lazy connection established by the call.
	if !client.Session().Connected() {
		t.Error("Session not connected after first call")
	}
}

func TestClient_DocumentContent(t *testing.T) {
	client := newTestClient(t, testutil.MustDocServer(fixtureDocuments, fixtureHistory))

	content, err := client.DocumentContent(context.Background(), "prumax")
	if err != nil {
		t.Fatalf("DocumentContent() unexpected error: %v", err)
	}
	if content != fixtureDocuments["prumax"] {
		t.Errorf("DocumentContent() = %q, want %q", content, fixtureDocuments["prumax"])
	}
}

func TestClient_DocumentContent_NotFound(t *testing.T) {
	client := newTestClient(t, testutil.MustDocServer(fixtureDocuments, fixtureHistory))

	_, err := client.DocumentContent(context.Background(), "no-such-code")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("DocumentContent() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestClient_ChatHistory(t *testing.T) {
	client := newTestClient(t, testutil.MustDocServer(fixtureDocuments, fixtureHistory))
	ctx := context.Background()

	history, err := client.ChatHistory(ctx, "thread-1", 10)
	if err != nil {
		t.Fatalf("ChatHistory() unexpected error: %v", err)
	}
	if history != fixtureHistory["thread-1"] {
		t.Errorf("ChatHistory() = %q, want %q", history, fixtureHistory["thread-1"])
	}

	// Unknown thread is empty context, not an error.
	history, err = client.ChatHistory(ctx, "unknown-thread", 10)
	if err != nil {
		t.Fatalf("ChatHistory(unknown) unexpected error: %v", err)
	}
	if history != "" {
		t.Errorf("ChatHistory(unknown) = %q, want empty", history)
	}
}

func TestClient_ConnectFailurePropagates(t *testing.T) {
	server := testutil.MustDocServer(fixtureDocuments, nil)
	session := mcpclient.New(mcpclient.Config{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		Dial:           server.FailingDial(10),
	}, log.NewNop())
	client := NewClient(session, log.NewNop())

	_, err := client.ListDocuments(context.Background())

	var connectErr *mcpclient.ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("ListDocuments() error = %v, want *ConnectError", err)
	}
}
