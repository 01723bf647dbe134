package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/chatrun/internal/store"
)

// Payload is the fixed JSON body posted to the integration endpoint.
type Payload struct {
	UserID           string    `json:"user_id"`
	ConversationID   string    `json:"conversation_id"`
	RunID            string    `json:"run_id"`
	FinalText        string    `json:"final_text"`
	CreatedAt        time.Time `json:"created_at"`
	HasVisualization bool      `json:"has_visualization"`
}

// BuildPayload assembles the payload of a run from what it persisted.
// CreatedAt is the time the reply was stored so that a resumed delivery
// posts the same body.
func BuildPayload(ctx context.Context, st *store.Store, r *store.Run) (Payload, error) {
	conv, err := st.GetConversation(ctx, r.ConversationID)
	if err != nil {
		return Payload{}, err
	}
	msgs, err := st.ListRunMessages(ctx, r.ID)
	if err != nil {
		return Payload{}, err
	}

	p := Payload{UserID: conv.UserID, ConversationID: r.ConversationID, RunID: r.ID}
	var haveText bool
	for i := range msgs {
		switch c := msgs[i].Content.(type) {
		case store.TextContent:
			if !haveText {
				p.FinalText = c.Body
				p.CreatedAt = msgs[i].CreatedAt
				haveText = true
			}
		case store.ImageContent:
			p.HasVisualization = true
		default:
			return Payload{}, fmt.Errorf("message %s: unexpected content %T", msgs[i].ID, c)
		}
	}
	if !haveText {
		return Payload{}, fmt.Errorf("run %s has no reply: %w", r.ID, store.ErrNotFound)
	}
	return p, nil
}
