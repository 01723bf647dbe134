package agent

import (
	"github.com/KafClaw/chatrun/internal/provider"
	"github.com/KafClaw/chatrun/internal/store"
)

// BuildTurns maps the conversation up to and including the trigger message to
// generation turns. Only user and assistant text messages become turns; system
// messages and images are skipped. Messages that arrived after the trigger
// belong to later runs and are ignored.
func BuildTurns(messages []store.Message, triggerID string) []provider.Turn {
	var turns []provider.Turn
	for i := range messages {
		m := &messages[i]
		if turn, ok := toTurn(m); ok {
			turns = append(turns, turn)
		}
		if m.ID == triggerID {
			break
		}
	}
	return turns
}

func toTurn(m *store.Message) (provider.Turn, bool) {
	var role provider.Role
	switch m.Sender {
	case store.SenderUser:
		role = provider.RoleUser
	case store.SenderAssistant:
		role = provider.RoleAssistant
	case store.SenderSystem:
		return provider.Turn{}, false
	default:
		return provider.Turn{}, false
	}

	switch c := m.Content.(type) {
	case store.TextContent:
		return provider.Turn{Role: role, Text: c.Body}, true
	case store.ImageContent:
		return provider.Turn{}, false
	default:
		return provider.Turn{}, false
	}
}

// BuildRequest splits the turns into history and the new input: the latest
// turn is dropped from history and input is sent on its own.
func BuildRequest(turns []provider.Turn, input string) *provider.Request {
	history := turns
	if len(history) > 0 {
		history = history[:len(history)-1]
	}
	return &provider.Request{History: history, Input: input}
}
