// Package media produces the optional visual artifact attached to a reply.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/KafClaw/chatrun/internal/store"
)

const (
	// ContentTypePNG is the media kind of rendered charts.
	ContentTypePNG = "image/png"
	// Caption is attached to every generated image message.
	Caption = "Generated visualization"
)

var triggers = []string{"plot:", "chart:"}

// Triggered reports whether text asks for a visualization. The test is a
// case-insensitive substring match against a fixed keyword set.
func Triggered(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range triggers {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Locator returns the stable retrieval path for an artifact.
func Locator(id string) string {
	return "/media/" + id
}

// Generator renders, stores and records artifacts.
type Generator struct {
	store   *store.Store
	storage *Storage
	render  Renderer
}

// NewGenerator creates a Generator writing under storage.
func NewGenerator(st *store.Store, storage *Storage) *Generator {
	return &Generator{store: st, storage: storage, render: RenderChart}
}

// WithRenderer replaces the chart renderer.
func (g *Generator) WithRenderer(r Renderer) *Generator {
	g.render = r
	return g
}

// Artifact is a stored artifact and the image message that references it.
type Artifact struct {
	Media   *store.Media
	Message *store.Message
	Resumed bool
}

// Attach generates an artifact for the run when input is triggered. Failures
// are logged and swallowed; the return value is nil when nothing was added.
func (g *Generator) Attach(ctx context.Context, r *store.Run, input string) *Artifact {
	if !Triggered(input) {
		return nil
	}
	a, err := g.Generate(ctx, r, input)
	if err != nil {
		slog.Warn("Visualization generation failed", "run_id", r.ID, "conversation_id", r.ConversationID, "error", err)
		return nil
	}
	return a
}

// Generate renders and records one artifact for the run. Either the file,
// the Media row and the image message all exist afterwards, or none do. A run
// that already has an image message gets it back without a new artifact.
func (g *Generator) Generate(ctx context.Context, r *store.Run, input string) (*Artifact, error) {
	if existing, err := g.existing(ctx, r.ID); err != nil {
		return nil, err
	} else if existing != nil {
		slog.Info("Reusing stored visualization", "run_id", r.ID, "message_id", existing.ID)
		return &Artifact{Message: existing, Resumed: true}, nil
	}

	data, err := g.render(input)
	if err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}

	mediaID := uuid.NewString()
	path, digest, err := g.storage.Put(mediaID, data)
	if err != nil {
		return nil, err
	}

	a := &Artifact{}
	err = g.store.WithTx(ctx, func(q *store.Queries) error {
		msg, err := q.InsertMessage(ctx, &store.Message{
			ConversationID: r.ConversationID,
			RunID:          r.ID,
			Sender:         store.SenderAssistant,
			Content:        store.ImageContent{Locator: Locator(mediaID), Caption: Caption},
		})
		if err != nil {
			return err
		}
		m, err := q.InsertMedia(ctx, &store.Media{
			ID:             mediaID,
			ConversationID: r.ConversationID,
			MessageID:      msg.ID,
			MediaType:      ContentTypePNG,
			StoragePath:    path,
			SHA256:         digest,
			SizeBytes:      int64(len(data)),
		})
		if err != nil {
			return err
		}
		a.Message, a.Media = msg, m
		return nil
	})
	if err != nil {
		if rmErr := g.storage.Remove(path); rmErr != nil {
			slog.Warn("Failed to remove orphaned media file", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("record media %s: %w", mediaID, err)
	}

	slog.Info("Visualization stored", "run_id", r.ID, "media_id", mediaID, "message_id", a.Message.ID, "bytes", len(data))
	return a, nil
}

func (g *Generator) existing(ctx context.Context, runID string) (*store.Message, error) {
	msgs, err := g.store.ListRunMessages(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, ok := msgs[i].Content.(store.ImageContent); ok {
			return &msgs[i], nil
		}
	}
	return nil, nil
}
