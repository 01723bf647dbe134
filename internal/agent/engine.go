// Package agent turns a claimed run into a persisted assistant reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/chatrun/internal/provider"
	"github.com/KafClaw/chatrun/internal/store"
)

// ErrTriggerNotText is returned when a run's trigger message carries no text.
var ErrTriggerNotText = errors.New("trigger message is not text")

// Engine builds the conversation context, calls the generator and stores the
// reply.
type Engine struct {
	store     *store.Store
	gen       provider.Generator
	model     string
	maxTokens int
}

// NewEngine creates an Engine. A nil generator makes every reply an echo of
// the input.
func NewEngine(st *store.Store, gen provider.Generator) *Engine {
	return &Engine{store: st, gen: gen}
}

// WithModel overrides the generator's default model and output limit.
func (e *Engine) WithModel(model string, maxTokens int) *Engine {
	e.model = model
	e.maxTokens = maxTokens
	return e
}

// Reply is the persisted outcome of Execute.
type Reply struct {
	Input   string
	Message *store.Message
	Result  provider.Result
	// Resumed is set when the reply was already stored by an earlier attempt.
	Resumed bool
}

// Text returns the reply body.
func (r *Reply) Text() string {
	text, _ := r.Message.Text()
	return text
}

// Execute produces the assistant reply for a running run. The reply is
// committed before Execute returns. An error means the run cannot succeed;
// when ctx is done the error is ctx.Err() and nothing was written.
func (e *Engine) Execute(ctx context.Context, r *store.Run) (*Reply, error) {
	trigger, err := e.store.GetMessage(ctx, r.TriggerMessageID)
	if err != nil {
		return nil, err
	}
	input, ok := trigger.Text()
	if !ok {
		return nil, fmt.Errorf("message %s: %w", trigger.ID, ErrTriggerNotText)
	}

	if prev, err := e.existingReply(ctx, r.ID); err != nil {
		return nil, err
	} else if prev != nil {
		slog.Info("Reusing stored reply", "run_id", r.ID, "message_id", prev.ID)
		return &Reply{Input: input, Message: prev, Result: resultOf(prev), Resumed: true}, nil
	}

	msgs, err := e.store.ListMessages(ctx, r.ConversationID, store.MessageFilter{})
	if err != nil {
		return nil, err
	}
	req := BuildRequest(BuildTurns(msgs, trigger.ID), input)
	req.Model = e.model
	req.MaxTokens = e.maxTokens

	res, err := e.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{"generation": res.Kind.String()}
	if res.Reason != "" {
		meta["fallback_reason"] = res.Reason
	}
	msg, err := e.store.InsertMessage(ctx, &store.Message{
		ConversationID: r.ConversationID,
		RunID:          r.ID,
		Sender:         store.SenderAssistant,
		Content:        store.TextContent{Body: res.Text, Metadata: meta},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Assistant reply stored", "run_id", r.ID, "message_id", msg.ID, "generation", res.Kind.String())
	return &Reply{Input: input, Message: msg, Result: res}, nil
}

// generate applies the fallback policy: every generator error becomes the
// acknowledgement reply. Only cancellation is returned as an error.
func (e *Engine) generate(ctx context.Context, req *provider.Request) (provider.Result, error) {
	if e.gen == nil {
		slog.Warn("Generation provider not configured, using echo response")
		return provider.Result{Kind: provider.Fallback, Text: "Echo: " + req.Input, Reason: "unconfigured"}, nil
	}

	text, err := e.gen.Generate(ctx, req)
	if err == nil {
		return provider.Result{Kind: provider.Generated, Text: text}, nil
	}
	if ctx.Err() != nil {
		return provider.Result{}, ctx.Err()
	}
	if provider.IsTransient(err) {
		slog.Warn("Generation call failed transiently, using fallback response", "provider", e.gen.Name(), "error", err)
	} else {
		slog.Error("Generation call failed, using fallback response", "provider", e.gen.Name(), "error", err)
	}
	return provider.Result{Kind: provider.Fallback, Text: "I received your message: " + req.Input, Reason: err.Error()}, nil
}

func (e *Engine) existingReply(ctx context.Context, runID string) (*store.Message, error) {
	msgs, err := e.store.ListRunMessages(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].Sender != store.SenderAssistant {
			continue
		}
		if _, ok := msgs[i].Text(); ok {
			return &msgs[i], nil
		}
	}
	return nil, nil
}

func resultOf(m *store.Message) provider.Result {
	c, ok := m.Content.(store.TextContent)
	if !ok {
		return provider.Result{}
	}
	res := provider.Result{Kind: provider.Generated, Text: c.Body}
	if kind, _ := c.Metadata["generation"].(string); kind == provider.Fallback.String() {
		res.Kind = provider.Fallback
		res.Reason, _ = c.Metadata["fallback_reason"].(string)
	}
	return res
}
