package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New(Config{APIKey: "k", Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
	g, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Name() != KindGemini {
		t.Errorf("default provider = %s, want gemini", g.Name())
	}
	gp := g.(*GeminiProvider)
	if gp.DefaultModel() != "gemini-2.5-flash" {
		t.Errorf("default model = %s", gp.DefaultModel())
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&APIError{StatusCode: 500}, true},
		{&APIError{StatusCode: 503}, true},
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 408}, true},
		{&APIError{StatusCode: 400}, false},
		{&APIError{StatusCode: 401}, false},
		{fmt.Errorf("wrapped: %w", &APIError{StatusCode: 502}), true},
		{context.DeadlineExceeded, true},
		{errors.New("no candidates in gemini response"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsTransientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewGeminiProvider("key", url, "")
	_, err := p.Generate(context.Background(), &Request{Input: "hi"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsTransient(err) {
		t.Fatalf("connection refused should be transient: %v", err)
	}
}

func TestGeminiGenerate(t *testing.T) {
	var got geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			http.Error(w, "bad path "+r.URL.Path, http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "Hello"}, {"text": " there"}}},
				"finishReason": "STOP",
			}},
		})
	}))
	defer server.Close()

	p := NewGeminiProvider("test-key", server.URL, "")
	text, err := p.Generate(context.Background(), &Request{
		History: []Turn{{Role: RoleUser, Text: "first"}, {Role: RoleAssistant, Text: "reply"}},
		Input:   "second",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello there" {
		t.Errorf("text = %q", text)
	}
	if len(got.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(got.Contents))
	}
	roles := []string{got.Contents[0].Role, got.Contents[1].Role, got.Contents[2].Role}
	if roles[0] != "user" || roles[1] != "model" || roles[2] != "user" {
		t.Errorf("roles = %v", roles)
	}
	if got.Contents[2].Parts[0].Text != "second" {
		t.Errorf("last content = %+v", got.Contents[2])
	}
}

func TestGeminiErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewGeminiProvider("k", server.URL, "")
	_, err := p.Generate(context.Background(), &Request{Input: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Fatalf("expected APIError 503, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("503 should be transient")
	}
}

func TestGeminiNoCandidatesIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("k", server.URL, "")
	_, err := p.Generate(context.Background(), &Request{Input: "hi"})
	if err == nil || IsTransient(err) {
		t.Fatalf("expected a non-transient error, got %v", err)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var got openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(openAIResponse{Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: "Hello, world!"},
			FinishReason: "stop",
		}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	text, err := p.Generate(context.Background(), &Request{
		History: []Turn{{Role: RoleAssistant, Text: "earlier"}},
		Input:   "Hello",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello, world!" {
		t.Errorf("text = %q", text)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[0].Role != "assistant" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestOpenAIUnauthorizedIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad", server.URL, "")
	_, err := p.Generate(context.Background(), &Request{Input: "hi"})
	if err == nil || IsTransient(err) {
		t.Fatalf("401 should be unclassified, got %v", err)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       body["model"],
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "Hi from Claude"}},
			"usage":       map[string]any{"input_tokens": 5, "output_tokens": 3},
		})
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", server.URL, "", 256, 5*time.Second, option.WithMaxRetries(0))
	text, err := p.Generate(context.Background(), &Request{
		History: []Turn{{Role: RoleUser, Text: "a"}, {Role: RoleAssistant, Text: "b"}},
		Input:   "c",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hi from Claude" {
		t.Errorf("text = %q", text)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}
	if body["model"] != anthropicDefaultModel {
		t.Errorf("model = %v", body["model"])
	}
}

func TestAnthropicRateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("k", server.URL, "", 0, 5*time.Second, option.WithMaxRetries(0))
	_, err := p.Generate(context.Background(), &Request{Input: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected APIError 429, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("429 should be transient")
	}
}

func TestResultKindString(t *testing.T) {
	if Generated.String() != "generated" || Fallback.String() != "fallback" {
		t.Errorf("unexpected names %s %s", Generated, Fallback)
	}
}
