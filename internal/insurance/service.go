package insurance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harveyng/polly/internal/log"
)

// maxConcurrentFetches bounds parallel document retrieval per inquiry.
const maxConcurrentFetches = 3

// HistorySaver persists one completed exchange. Satisfied by store.History.
type HistorySaver interface {
	SaveExchange(ctx context.Context, userID int, threadID, question, answer string) (string, error)
}

// PersonaSource looks up a customer's persona attributes, which shape the
// tone of the generated answer. Satisfied by store.Customers.
type PersonaSource interface {
	Persona(ctx context.Context, userID int32) (map[string]any, error)
}

// ResponderRequest carries everything a responder needs to produce an
// answer.
type ResponderRequest struct {
	Question string
	History  string
	// Documents maps product code to document content, for the codes
	// detected in the question.
	Documents map[string]string
	// Persona holds the asking customer's profile attributes; nil when the
	// customer is unknown.
	Persona map[string]any
}

// Responder turns an inquiry plus retrieved context into answer text. The
// production responder delegates to an external model; tests and degraded
// deployments use FallbackResponder.
type Responder interface {
	Respond(ctx context.Context, req ResponderRequest) (string, error)
}

// InquiryRequest is one customer question in a conversation thread.
type InquiryRequest struct {
	UserID   int
	ThreadID string
	Question string
}

// ChatResponse is the service's answer.
type ChatResponse struct {
	ThreadID       string        `json:"thread_id"`
	Answer         string        `json:"answer"`
	Sources        []string      `json:"sources,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// ServiceConfig tunes the inquiry pipeline.
type ServiceConfig struct {
	// ProductCodes is family name -> code kind -> product code, used to
	// detect which documents a question refers to.
	ProductCodes map[string]map[string]string

	// MaxHistoryMessages caps the history context pulled per inquiry.
	MaxHistoryMessages int
}

// Service answers customer inquiries: it gathers conversation history and
// relevant product documents, delegates answer generation to the responder,
// and persists the exchange.
//
// The pipeline degrades instead of failing: a history or document fetch
// error is logged and the answer is produced from whatever context was
// gathered; only a nil answer from every path is an error.
type Service struct {
	client    *Client
	saver     HistorySaver
	personas  PersonaSource
	responder Responder
	cfg       ServiceConfig
	logger    log.Logger
}

// NewService wires the inquiry pipeline. saver may be nil (exchanges are
// then not persisted); personas may be nil (answers are not personalized);
// responder may be nil (FallbackResponder is used).
func NewService(client *Client, saver HistorySaver, personas PersonaSource, responder Responder, cfg ServiceConfig, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	if responder == nil {
		responder = FallbackResponder{}
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 10
	}
	return &Service{
		client:    client,
		saver:     saver,
		personas:  personas,
		responder: responder,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessInquiry runs the full pipeline for one question.
func (s *Service) ProcessInquiry(ctx context.Context, req InquiryRequest) (*ChatResponse, error) {
	start := time.Now()

	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("insurance: empty question")
	}

	history := s.gatherHistory(ctx, req.ThreadID)
	persona := s.gatherPersona(ctx, req.UserID)
	codes := DetectProductCodes(req.Question, s.cfg.ProductCodes)
	documents := s.fetchDocuments(ctx, codes)

	answer, err := s.responder.Respond(ctx, ResponderRequest{
		Question:  req.Question,
		History:   history,
		Documents: documents,
		Persona:   persona,
	})
	if err != nil {
		s.logger.Warn("responder failed, using fallback answer",
			"thread_id", req.ThreadID, "error", err)
		answer, _ = FallbackResponder{}.Respond(ctx, ResponderRequest{
			Question:  req.Question,
			Documents: documents,
		})
	}

	if s.saver != nil {
		if _, err := s.saver.SaveExchange(ctx, req.UserID, req.ThreadID, req.Question, answer); err != nil {
			s.logger.Error("persisting exchange failed",
				"thread_id", req.ThreadID, "error", err)
		}
	}

	sources := make([]string, 0, len(documents))
	for code := range documents {
		sources = append(sources, code)
	}
	sort.Strings(sources)

	return &ChatResponse{
		ThreadID:       req.ThreadID,
		Answer:         answer,
		Sources:        sources,
		ProcessingTime: time.Since(start),
	}, nil
}

// gatherHistory pulls conversation context; failures degrade to no context.
func (s *Service) gatherHistory(ctx context.Context, threadID string) string {
	if threadID == "" {
		return ""
	}
	history, err := s.client.ChatHistory(ctx, threadID, s.cfg.MaxHistoryMessages)
	if err != nil {
		s.logger.Warn("history unavailable, answering without context",
			"thread_id", threadID, "error", err)
		return ""
	}
	return history
}

// gatherPersona looks up the customer's profile; failures degrade to an
// unpersonalized answer.
func (s *Service) gatherPersona(ctx context.Context, userID int) map[string]any {
	if s.personas == nil || userID <= 0 {
		return nil
	}
	persona, err := s.personas.Persona(ctx, int32(userID))
	if err != nil {
		s.logger.Warn("persona unavailable, answering without personalization",
			"user_id", userID, "error", err)
		return nil
	}
	return persona
}

// fetchDocuments retrieves the documents for the detected codes, at most
// maxConcurrentFetches in flight. Individual failures are logged and
// skipped.
func (s *Service) fetchDocuments(ctx context.Context, codes []string) map[string]string {
	if len(codes) > maxConcurrentFetches {
		codes = codes[:maxConcurrentFetches]
	}
	if len(codes) == 0 {
		return nil
	}

	type fetched struct {
		code    string
		content string
	}
	results := make(chan fetched, len(codes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, code := range codes {
		g.Go(func() error {
			content, err := s.client.DocumentContent(ctx, code)
			if err != nil {
				s.logger.Warn("document fetch failed", "code", code, "error", err)
				return nil
			}
			results <- fetched{code: code, content: content}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	documents := make(map[string]string, len(codes))
	for r := range results {
		documents[r.code] = r.content
	}
	if len(documents) == 0 {
		return nil
	}
	return documents
}

// DetectProductCodes scans a question for mentions of configured product
// families or codes. Matching is case-insensitive; each code appears once,
// in stable order.
func DetectProductCodes(question string, productCodes map[string]map[string]string) []string {
	if len(productCodes) == 0 {
		return nil
	}
	lower := strings.ToLower(question)

	seen := make(map[string]struct{})
	var codes []string
	add := func(code string) {
		if _, dup := seen[code]; dup {
			return
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	// Deterministic iteration: families sorted, kinds sorted.
	families := make([]string, 0, len(productCodes))
	for family := range productCodes {
		families = append(families, family)
	}
	sort.Strings(families)

	for _, family := range families {
		kinds := productCodes[family]
		familyMatch := strings.Contains(lower, strings.ToLower(family))

		kindNames := make([]string, 0, len(kinds))
		for kind := range kinds {
			kindNames = append(kindNames, kind)
		}
		sort.Strings(kindNames)

		for _, kind := range kindNames {
			code := kinds[kind]
			if familyMatch ||
				strings.Contains(lower, strings.ToLower(kind)) ||
				strings.Contains(lower, strings.ToLower(code)) {
				add(code)
			}
		}
	}
	return codes
}

// FallbackResponder produces a deterministic answer from the retrieved
// documents when no external responder is available.
type FallbackResponder struct{}

// Respond renders the retrieved document content directly, or an apology
// when nothing was found.
func (FallbackResponder) Respond(_ context.Context, req ResponderRequest) (string, error) {
	if len(req.Documents) == 0 {
		return "I could not find product information matching your question. " +
			"Please ask about a specific insurance product, or request the list of available products.", nil
	}

	codes := make([]string, 0, len(req.Documents))
	for code := range req.Documents {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	b.WriteString("Here is the product information I found:\n")
	for _, code := range codes {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", code, req.Documents[code])
	}
	return b.String(), nil
}
