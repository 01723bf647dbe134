package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	geminiDefaultBase  = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-2.5-flash"
)

// GeminiProvider calls the Gemini generateContent REST endpoint with a static
// API key.
type GeminiProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewGeminiProvider creates a Gemini client. Empty apiBase and model select
// the public endpoint and gemini-2.5-flash.
func NewGeminiProvider(apiKey, apiBase, defaultModel string) *GeminiProvider {
	if apiBase == "" {
		apiBase = geminiDefaultBase
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *GeminiProvider) Name() string { return KindGemini }

// DefaultModel returns the configured model.
func (p *GeminiProvider) DefaultModel() string {
	return p.defaultModel
}

func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	jsonBody, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.apiBase, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	q := httpReq.URL.Query()
	q.Set("key", p.apiKey)
	httpReq.URL.RawQuery = q.Encode()

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Provider: KindGemini, StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	return parseGeminiResponse(respBody)
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

func buildGeminiRequest(req *Request) *geminiRequest {
	gemReq := &geminiRequest{}
	if req.MaxTokens > 0 {
		gemReq.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	for _, turn := range req.History {
		role := "user"
		if turn.Role == RoleAssistant {
			role = "model"
		}
		gemReq.Contents = append(gemReq.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Text}},
		})
	}
	gemReq.Contents = append(gemReq.Contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Input}},
	})
	return gemReq
}

func parseGeminiResponse(body []byte) (string, error) {
	var gemResp geminiResponse
	if err := json.Unmarshal(body, &gemResp); err != nil {
		return "", fmt.Errorf("parse gemini response: %w", err)
	}
	if len(gemResp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in gemini response")
	}

	var sb strings.Builder
	for _, part := range gemResp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty gemini response (finish reason %q)", gemResp.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}
