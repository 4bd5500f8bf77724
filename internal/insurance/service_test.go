package insurance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/testutil"
)

var testProductCodes = map[string]map[string]string{
	"prumax": {
		"base": "prumax",
	},
	"edu saver": {
		"standard": "pru-edu-saver",
	},
}

// recordingSaver captures SaveExchange calls.
type recordingSaver struct {
	mu        sync.Mutex
	exchanges [][4]string
	err       error
}

func (r *recordingSaver) SaveExchange(_ context.Context, userID int, threadID, question, answer string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.exchanges = append(r.exchanges, [4]string{threadID, question, answer, ""})
	return "msg-1", nil
}

// echoResponder renders the request deterministically for assertions.
type echoResponder struct {
	err error
}

func (e echoResponder) Respond(_ context.Context, req ResponderRequest) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	var b strings.Builder
	b.WriteString("answer to: " + req.Question)
	if req.History != "" {
		b.WriteString(" | with history")
	}
	for code := range req.Documents {
		b.WriteString(" | doc:" + code)
	}
	return b.String(), nil
}

func newTestService(t *testing.T, saver HistorySaver, responder Responder) *Service {
	t.Helper()
	return newTestServiceWithPersonas(t, saver, nil, responder)
}

func newTestServiceWithPersonas(t *testing.T, saver HistorySaver, personas PersonaSource, responder Responder) *Service {
	t.Helper()

	client := newTestClient(t, testutil.MustDocServer(fixtureDocuments, fixtureHistory))
	return NewService(client, saver, personas, responder, ServiceConfig{
		ProductCodes:       testProductCodes,
		MaxHistoryMessages: 10,
	}, log.NewNop())
}

func TestProcessInquiry_FullPipeline(t *testing.T) {
	saver := &recordingSaver{}
	service := newTestService(t, saver, echoResponder{})

	resp, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		UserID:   1,
		ThreadID: "thread-1",
		Question: "Tell me about prumax",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}

	if resp.ThreadID != "thread-1" {
		t.Errorf("ThreadID = %q, want thread-1", resp.ThreadID)
	}
	if !strings.Contains(resp.Answer, "doc:prumax") {
		t.Errorf("Answer = %q, want document context included", resp.Answer)
	}
	if !strings.Contains(resp.Answer, "with history") {
		t.Errorf("Answer = %q, want history context included", resp.Answer)
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != "prumax" {
		t.Errorf("Sources = %v, want [prumax]", resp.Sources)
	}
	if resp.ProcessingTime <= 0 {
		t.Error("ProcessingTime not set")
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.exchanges) != 1 {
		t.Fatalf("saved %d exchanges, want 1", len(saver.exchanges))
	}
	if saver.exchanges[0][0] != "thread-1" || saver.exchanges[0][1] != "Tell me about prumax" {
		t.Errorf("saved exchange = %v", saver.exchanges[0])
	}
}

// stubPersonas is a fixed-answer persona source.
type stubPersonas struct {
	persona map[string]any
	err     error
}

func (s stubPersonas) Persona(context.Context, int32) (map[string]any, error) {
	return s.persona, s.err
}

// capturingResponder records the last request it answered.
type capturingResponder struct {
	mu  sync.Mutex
	req ResponderRequest
}

func (c *capturingResponder) Respond(_ context.Context, req ResponderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req = req
	return "ok", nil
}

func TestProcessInquiry_PersonaReachesResponder(t *testing.T) {
	responder := &capturingResponder{}
	service := newTestServiceWithPersonas(t, nil,
		stubPersonas{persona: map[string]any{"tone": "formal"}}, responder)

	_, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		UserID: 7, ThreadID: "thread-1", Question: "Tell me about prumax",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}

	responder.mu.Lock()
	defer responder.mu.Unlock()
	if responder.req.Persona["tone"] != "formal" {
		t.Errorf("responder persona = %v, want tone=formal", responder.req.Persona)
	}
}

func TestProcessInquiry_PersonaLookupFailureDegrades(t *testing.T) {
	responder := &capturingResponder{}
	service := newTestServiceWithPersonas(t, nil,
		stubPersonas{err: errors.New("customers table offline")}, responder)

	resp, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		UserID: 7, ThreadID: "thread-1", Question: "Tell me about prumax",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}
	if resp.Answer == "" {
		t.Error("Answer empty, want degraded answer without personalization")
	}

	responder.mu.Lock()
	defer responder.mu.Unlock()
	if responder.req.Persona != nil {
		t.Errorf("responder persona = %v, want nil after lookup failure", responder.req.Persona)
	}
}

func TestProcessInquiry_EmptyQuestion(t *testing.T) {
	service := newTestService(t, nil, echoResponder{})

	if _, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		ThreadID: "t", Question: "   ",
	}); err == nil {
		t.Error("ProcessInquiry() with blank question expected error, got nil")
	}
}

func TestProcessInquiry_NoProductMatch(t *testing.T) {
	service := newTestService(t, nil, echoResponder{})

	resp, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		Question: "What is the weather today?",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("Sources = %v, want none", resp.Sources)
	}
	if strings.Contains(resp.Answer, "doc:") {
		t.Errorf("Answer = %q, want no document context", resp.Answer)
	}
}

func TestProcessInquiry_ResponderFailureFallsBack(t *testing.T) {
	saver := &recordingSaver{}
	service := newTestService(t, saver, echoResponder{err: errors.New("model unavailable")})

	resp, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		UserID:   1,
		ThreadID: "thread-1",
		Question: "Tell me about prumax",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}
	if !strings.Contains(resp.Answer, fixtureDocuments["prumax"]) {
		t.Errorf("fallback Answer = %q, want retrieved document content", resp.Answer)
	}

	// The degraded answer is still persisted.
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.exchanges) != 1 {
		t.Errorf("saved %d exchanges, want 1", len(saver.exchanges))
	}
}

func TestProcessInquiry_SaverFailureDoesNotFail(t *testing.T) {
	saver := &recordingSaver{err: errors.New("db down")}
	service := newTestService(t, saver, echoResponder{})

	resp, err := service.ProcessInquiry(context.Background(), InquiryRequest{
		UserID: 1, ThreadID: "thread-1", Question: "Tell me about prumax",
	})
	if err != nil {
		t.Fatalf("ProcessInquiry() unexpected error: %v", err)
	}
	if resp.Answer == "" {
		t.Error("Answer empty despite successful pipeline")
	}
}

func TestDetectProductCodes(t *testing.T) {
	codes := map[string]map[string]string{
		"prumax": {
			"base":    "prumax",
			"premium": "prumax-plus",
		},
		"edu saver": {
			"standard": "pru-edu-saver",
		},
	}

	tests := []struct {
		name     string
		question string
		want     []string
	}{
		{
			name:     "family mention includes all kinds",
			question: "What does PruMax cover?",
			want:     []string{"prumax", "prumax-plus"},
		},
		{
			name:     "direct code mention",
			question: "Show me pru-edu-saver details",
			want:     []string{"pru-edu-saver"},
		},
		{
			name:     "case insensitive family",
			question: "is EDU SAVER right for my child",
			want:     []string{"pru-edu-saver"},
		},
		{
			name:     "no match",
			question: "what is the claims hotline",
			want:     nil,
		},
		{
			name:     "multiple families deduplicated",
			question: "compare prumax and edu saver for me, especially prumax",
			want:     []string{"pru-edu-saver", "prumax", "prumax-plus"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectProductCodes(tt.question, codes)
			if len(got) != len(tt.want) {
				t.Fatalf("DetectProductCodes(%q) = %v, want %v", tt.question, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("DetectProductCodes(%q)[%d] = %q, want %q", tt.question, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFallbackResponder(t *testing.T) {
	resp, err := FallbackResponder{}.Respond(context.Background(), ResponderRequest{
		Question: "anything",
	})
	if err != nil {
		t.Fatalf("Respond() unexpected error: %v", err)
	}
	if !strings.Contains(resp, "could not find") {
		t.Errorf("empty-context fallback = %q", resp)
	}

	resp, err = FallbackResponder{}.Respond(context.Background(), ResponderRequest{
		Question:  "about prumax",
		Documents: map[string]string{"prumax": "Whole life protection."},
	})
	if err != nil {
		t.Fatalf("Respond() unexpected error: %v", err)
	}
	if !strings.Contains(resp, "[prumax]") || !strings.Contains(resp, "Whole life protection.") {
		t.Errorf("document fallback = %q", resp)
	}
}
