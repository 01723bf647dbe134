package store

import (
	"encoding/json"
	"fmt"
)

// ContentType tags the message content variant.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Content is the tagged message payload. The only implementations are
// TextContent and ImageContent.
type Content interface {
	Type() ContentType
	sealed()
}

// TextContent is a plain text body with optional client metadata.
type TextContent struct {
	Body     string
	Metadata map[string]any
}

func (TextContent) Type() ContentType { return ContentText }
func (TextContent) sealed()           {}

// ImageContent references a stored artifact by its retrieval path.
type ImageContent struct {
	Locator string
	Caption string
}

func (ImageContent) Type() ContentType { return ContentImage }
func (ImageContent) sealed()           {}

// contentWire is the persisted and served JSON shape of a message body.
type contentWire struct {
	Type     ContentType    `json:"type"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	URL      string         `json:"url,omitempty"`
	Caption  string         `json:"caption,omitempty"`
}

func toWire(c Content) (contentWire, error) {
	switch v := c.(type) {
	case TextContent:
		return contentWire{Type: ContentText, Text: v.Body, Metadata: v.Metadata}, nil
	case ImageContent:
		return contentWire{Type: ContentImage, URL: v.Locator, Caption: v.Caption}, nil
	case nil:
		return contentWire{}, fmt.Errorf("message content is nil")
	default:
		return contentWire{}, fmt.Errorf("unknown content %T", c)
	}
}

func fromWire(w contentWire) (Content, error) {
	switch w.Type {
	case ContentText:
		return TextContent{Body: w.Text, Metadata: w.Metadata}, nil
	case ContentImage:
		return ImageContent{Locator: w.URL, Caption: w.Caption}, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", w.Type)
	}
}

// EncodeContent serializes c for storage.
func EncodeContent(c Content) (ContentType, string, error) {
	w, err := toWire(c)
	if err != nil {
		return "", "", err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", "", fmt.Errorf("encode content: %w", err)
	}
	return w.Type, string(data), nil
}

// DecodeContent parses a stored content body.
func DecodeContent(raw string) (Content, error) {
	var w contentWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return fromWire(w)
}

// MarshalJSON renders the message with its content under content_json.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	w, err := toWire(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		ContentJSON contentWire `json:"content_json"`
	}{alias(m), w})
}

// Text returns the body of a text message and false for any other variant.
func (m *Message) Text() (string, bool) {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Body, true
	case ImageContent:
		return "", false
	default:
		return "", false
	}
}
