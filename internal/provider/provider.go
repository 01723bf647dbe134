// Package provider implements the text generation clients used to answer
// chat messages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by New when no credential is set.
var ErrNotConfigured = errors.New("generation provider not configured")

// Generator produces a reply for a conversation.
type Generator interface {
	// Generate returns the reply text for req.Input given req.History.
	Generate(ctx context.Context, req *Request) (string, error)
	// Name identifies the backend in logs.
	Name() string
}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message in the conversation.
type Turn struct {
	Role Role
	Text string
}

// Request is a generation call: prior turns plus the new input.
type Request struct {
	History   []Turn
	Input     string
	Model     string
	MaxTokens int
}

// ResultKind distinguishes a real reply from a substituted one.
type ResultKind int

const (
	Generated ResultKind = iota
	Fallback
)

func (k ResultKind) String() string {
	switch k {
	case Generated:
		return "generated"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the outcome of a generation step. Reason is set for fallbacks.
type Result struct {
	Kind   ResultKind
	Text   string
	Reason string
}

// APIError is a non-success HTTP response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying later could succeed.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsTransient classifies err as a network failure, a timeout, or a
// retryable HTTP status. The engine uses it to pick the log level of a
// fallback reply.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Config selects and configures a generator.
type Config struct {
	Kind      string
	APIKey    string
	APIBase   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Supported Config.Kind values.
const (
	KindGemini    = "gemini"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// New builds the configured generator. It returns ErrNotConfigured when no
// API key is set so callers can fall back to echo replies.
func New(cfg Config) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch strings.ToLower(cfg.Kind) {
	case "", KindGemini:
		p := NewGeminiProvider(cfg.APIKey, cfg.APIBase, cfg.Model)
		p.httpClient.Timeout = cfg.Timeout
		return p, nil
	case KindOpenAI:
		p := NewOpenAIProvider(cfg.APIKey, cfg.APIBase, cfg.Model)
		p.httpClient.Timeout = cfg.Timeout
		return p, nil
	case KindAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.APIBase, cfg.Model, cfg.MaxTokens, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

func truncateBody(b []byte) string {
	const max = 500
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
