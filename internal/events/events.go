package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the value of the "type" field carried by every job event.
type Kind string

const (
	KindReasoning       Kind = "reasoning"
	KindContent         Kind = "content"
	KindSources         Kind = "sources"
	KindTables          Kind = "tables"
	KindSearchQuery     Kind = "search_query"
	KindMarkdownReport  Kind = "markdown_report"
	KindResearchSummary Kind = "research_summary"
	KindMetadata        Kind = "metadata"
	KindComplete        Kind = "complete"
	KindError           Kind = "error"
	KindDone            Kind = "done"
)

var (
	ErrMissingType = errors.New("event type is required")
	ErrJobClosed   = errors.New("job already published a terminal event")
)

// Terminal reports whether events of this kind end a job.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

func NormalizeKind(value string) Kind {
	return Kind(strings.TrimSpace(strings.ToLower(value)))
}

// Payload is implemented by the fixed set of event bodies below.
type Payload interface {
	Kind() Kind
}

type Reasoning struct {
	Text     string
	Query    string
	Category string
	Sources  json.RawMessage
}

type Content struct {
	Text string
}

type Sources struct {
	Items json.RawMessage
}

type Tables struct {
	Items json.RawMessage
}

// Progress carries any non-terminal event the relay has no accumulator for.
type Progress struct {
	Type   Kind
	Fields map[string]any
}

type Complete struct {
	Content string
	Sources json.RawMessage
	Assets  json.RawMessage
	App     string
	LabMode bool
}

type Failure struct {
	Message string
}

func (Reasoning) Kind() Kind  { return KindReasoning }
func (Content) Kind() Kind    { return KindContent }
func (Sources) Kind() Kind    { return KindSources }
func (Tables) Kind() Kind     { return KindTables }
func (p Progress) Kind() Kind { return p.Type }
func (Complete) Kind() Kind   { return KindComplete }
func (Failure) Kind() Kind    { return KindError }

// Event is one decoded message from a job channel. The original bytes are kept
// so relays can forward exactly what the producer published.
type Event struct {
	Payload Payload
	raw     []byte
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

func (e Event) Raw() []byte {
	return e.raw
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return []byte("null"), nil
	}
	return e.raw, nil
}

type wire struct {
	Type     Kind            `json:"type"`
	Text     string          `json:"text,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	Query    string          `json:"query,omitempty"`
	Category string          `json:"category,omitempty"`
	Sources  json.RawMessage `json:"sources,omitempty"`
	Assets   json.RawMessage `json:"assets,omitempty"`
	App      string          `json:"app,omitempty"`
	LabMode  bool            `json:"lab_mode,omitempty"`
}

// New encodes a payload into an event ready for publishing.
func New(payload Payload) (Event, error) {
	data, err := Encode(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Payload: payload, raw: data}, nil
}

func Encode(payload Payload) ([]byte, error) {
	if payload == nil || payload.Kind() == "" {
		return nil, ErrMissingType
	}
	switch p := payload.(type) {
	case Reasoning:
		return json.Marshal(wire{Type: KindReasoning, Content: quote(p.Text), Query: p.Query, Category: p.Category, Sources: p.Sources})
	case Content:
		return json.Marshal(wire{Type: KindContent, Text: p.Text})
	case Sources:
		return json.Marshal(wire{Type: KindSources, Content: orEmptyList(p.Items)})
	case Tables:
		return json.Marshal(wire{Type: KindTables, Content: orEmptyList(p.Items)})
	case Complete:
		return json.Marshal(struct {
			Type    Kind            `json:"type"`
			Content string          `json:"content"`
			Sources json.RawMessage `json:"sources"`
			Assets  json.RawMessage `json:"assets"`
			App     string          `json:"app,omitempty"`
			LabMode bool            `json:"lab_mode"`
		}{KindComplete, p.Content, orEmptyList(p.Sources), orEmptyList(p.Assets), p.App, p.LabMode})
	case Failure:
		return json.Marshal(struct {
			Type    Kind   `json:"type"`
			Message string `json:"message"`
		}{KindError, p.Message})
	case Progress:
		fields := make(map[string]any, len(p.Fields)+1)
		for key, value := range p.Fields {
			fields[key] = value
		}
		fields["type"] = string(p.Type)
		return json.Marshal(fields)
	default:
		return nil, fmt.Errorf("unsupported payload %T", payload)
	}
}

// Decode parses a wire message. Only the type tag is read first; known kinds
// then decode their own fields and unknown types decode to Progress so they
// can still be forwarded whatever their shape.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	kind := NormalizeKind(head.Type)
	if kind == "" {
		return Event{}, ErrMissingType
	}
	raw := append([]byte(nil), data...)

	var w wire
	switch kind {
	case KindReasoning, KindContent, KindSources, KindTables, KindComplete, KindError:
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", kind, err)
		}
	}

	var payload Payload
	switch kind {
	case KindReasoning:
		text := w.Text
		if text == "" {
			text = rawString(w.Content)
		}
		payload = Reasoning{Text: text, Query: w.Query, Category: w.Category, Sources: w.Sources}
	case KindContent:
		text := w.Text
		if text == "" {
			text = rawString(w.Content)
		}
		payload = Content{Text: text}
	case KindSources:
		payload = Sources{Items: w.Content}
	case KindTables:
		payload = Tables{Items: w.Content}
	case KindComplete:
		payload = Complete{
			Content: rawString(w.Content),
			Sources: w.Sources,
			Assets:  w.Assets,
			App:     w.App,
			LabMode: w.LabMode,
		}
	case KindError:
		message := w.Message
		if message == "" {
			message = rawString(w.Content)
		}
		payload = Failure{Message: message}
	default:
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Event{}, fmt.Errorf("decode event: %w", err)
		}
		delete(fields, "type")
		payload = Progress{Type: kind, Fields: fields}
	}
	return Event{Payload: payload, raw: raw}, nil
}

// DoneLine is the terminal marker written to streaming clients.
func DoneLine() []byte {
	return []byte(`{"type":"done"}`)
}

func quote(value string) json.RawMessage {
	data, _ := json.Marshal(value)
	return data
}

func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}
	return string(trimmed)
}

func orEmptyList(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}
