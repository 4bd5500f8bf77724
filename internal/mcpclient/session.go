// Package mcpclient maintains a persistent client session against the
// insurance tool server speaking the Model Context Protocol.
//
// A Session owns at most one live protocol connection at a time and moves
// through a small state machine: disconnected → connecting → connected, with
// connecting → failed when every handshake attempt is exhausted and
// connected → disconnected when the transport breaks. Connection attempts
// are serialized, so concurrent callers never race two handshakes; they
// block until the in-flight attempt settles and then observe its outcome.
//
// On connect the session discovers the server's tool catalog. Invocations
// are validated against that catalog locally before any I/O (see invoker.go).
package mcpclient

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harveyng/polly/internal/log"
)

// State identifies the session's position in its connection lifecycle.
type State int

const (
	// StateDisconnected is the initial state; also entered after Disconnect
	// or a transport fault on a live session.
	StateDisconnected State = iota

	// StateConnecting is held while a handshake attempt (with retries) is
	// in flight.
	StateConnecting

	// StateConnected means a live protocol session exists and the tool
	// catalog has been discovered.
	StateConnected

	// StateFailed is entered when every handshake attempt was exhausted.
	// A later Connect may still succeed and leave this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DialFunc produces a fresh transport for one connection attempt. Each call
// must return a transport that has not been used before.
type DialFunc func(ctx context.Context) (mcp.Transport, error)

// Config holds session construction parameters.
type Config struct {
	// Name and Version identify this client in the protocol handshake.
	Name    string
	Version string

	// ServerURL is the tool server endpoint; used by the default dialer.
	ServerURL string

	// Headers are sent with every request of the default dialer, for
	// gateway auth in front of the tool server. Ignored when Dial is set.
	Headers map[string]string

	// ConnectTimeout bounds a single handshake attempt.
	ConnectTimeout time.Duration

	// RetryAttempts is the total number of handshake attempts per Connect
	// call. Minimum 1.
	RetryAttempts int

	// RetryBaseDelay is the wait after the first failed attempt, doubling
	// after each subsequent failure.
	RetryBaseDelay time.Duration

	// Dial overrides the transport factory. When nil the session dials
	// ServerURL over SSE.
	Dial DialFunc
}

// Session is a persistent MCP client connection with tool catalog discovery.
// All methods are safe for concurrent use.
type Session struct {
	cfg    Config
	logger log.Logger
	client *mcp.Client
	dial   DialFunc

	mu      sync.Mutex
	state   State
	session *mcp.ClientSession
	tools   []*mcp.Tool
	byName  map[string]*mcp.Tool
}

// New creates a disconnected session. Call Connect (or EnsureConnected)
// before invoking tools.
func New(cfg Config, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "polly"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		byName: make(map[string]*mcp.Tool),
	}

	s.dial = cfg.Dial
	if s.dial == nil {
		httpClient := http.DefaultClient
		if len(cfg.Headers) > 0 {
			httpClient = &http.Client{Transport: headerTransport{
				headers: cfg.Headers,
				base:    http.DefaultTransport,
			}}
		}
		s.dial = func(ctx context.Context) (mcp.Transport, error) {
			return &mcp.SSEClientTransport{
				Endpoint:   cfg.ServerURL,
				HTTPClient: httpClient,
			}, nil
		}
	}
	return s
}

// headerTransport injects static headers into every outgoing request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range t.headers {
		clone.Header.Set(key, value)
	}
	return t.base.RoundTrip(clone)
}

// Connect establishes the protocol session and discovers the tool catalog.
//
// Attempts are retried with exponential backoff up to cfg.RetryAttempts.
// Connect is idempotent on a connected session and serialized across
// goroutines: a caller arriving during an in-flight handshake blocks until
// it settles, then observes the outcome without starting a second handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return nil
	}
	s.state = StateConnecting

	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.state = StateFailed
			return &ConnectError{Attempts: attempt, Err: err}
		}

		session, tools, err := s.handshake(ctx)
		if err == nil {
			s.session = session
			s.setCatalog(tools)
			s.state = StateConnected
			s.logger.Info("connected to tool server",
				"server_url", s.cfg.ServerURL,
				"tools", len(tools),
				"attempt", attempt+1)
			return nil
		}
		lastErr = err

		if attempt < s.cfg.RetryAttempts-1 {
			delay := s.cfg.RetryBaseDelay * (1 << attempt)
			s.logger.Warn("tool server connection attempt failed, retrying",
				"attempt", attempt+1,
				"max_attempts", s.cfg.RetryAttempts,
				"delay", delay,
				"error", err)
			if err := sleep(ctx, delay); err != nil {
				s.state = StateFailed
				return &ConnectError{Attempts: attempt + 1, Err: err}
			}
		}
	}

	s.state = StateFailed
	s.logger.Error("tool server connection failed",
		"attempts", s.cfg.RetryAttempts, "error", lastErr)
	return &ConnectError{Attempts: s.cfg.RetryAttempts, Err: lastErr}
}

// handshake performs one dial + protocol connect + catalog discovery.
// Called with s.mu held.
func (s *Session) handshake(ctx context.Context) (*mcp.ClientSession, []*mcp.Tool, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	transport, err := s.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing tool server: %w", err)
	}

	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol handshake: %w", err)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("discovering tool catalog: %w", err)
	}
	return session, result.Tools, nil
}

// EnsureConnected connects unless the session already is. Used by callers
// that tolerate lazy connection establishment.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	return s.Connect(ctx)
}

// Disconnect closes the protocol session and clears the tool catalog.
// Safe to call in any state; subsequent invocations fail with
// ErrNotConnected until Connect succeeds again.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked()
}

// teardownLocked closes the live session and resets to disconnected.
// Called with s.mu held.
func (s *Session) teardownLocked() error {
	var err error
	if s.session != nil {
		err = s.session.Close()
		s.session = nil
	}
	s.tools = nil
	s.byName = make(map[string]*mcp.Tool)
	s.state = StateDisconnected
	return err
}

// RefreshCatalog re-discovers the tool catalog on the live session. A
// transport fault degrades the session to disconnected.
func (s *Session) RefreshCatalog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}

	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		_ = s.teardownLocked()
		return &TransportError{Op: "list tools", Err: err}
	}
	s.setCatalog(result.Tools)
	return nil
}

// setCatalog replaces the discovered catalog. Called with s.mu held.
func (s *Session) setCatalog(tools []*mcp.Tool) {
	s.tools = tools
	s.byName = make(map[string]*mcp.Tool, len(tools))
	for _, tool := range tools {
		s.byName[tool.Name] = tool
	}
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a live protocol session exists.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Tools returns the discovered tool names in sorted order. Empty unless
// connected.
func (s *Session) Tools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tools))
	for _, tool := range s.tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	return names
}

// HasTool reports whether the named tool is in the discovered catalog.
func (s *Session) HasTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
