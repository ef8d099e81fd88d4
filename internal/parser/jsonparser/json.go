// Package jsonparser implements the structured-payload parser: the message
// body is a JSON object whose identity field becomes the event ID.
package jsonparser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
)

const (
	// DefaultIDField is the payload field carrying the message identity.
	DefaultIDField = "messageID"

	EventIDField        = "eventID"
	AggregationKeyField = "aggregationKey"
)

// Parser decodes JSON object payloads on topics matching a pattern.
type Parser struct {
	id      string
	topic   *regexp.Regexp
	idField string
}

// New compiles pattern so it must match the whole topic.
// An empty idField selects DefaultIDField.
func New(id, pattern, idField string) (*Parser, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("jsonparser %s: topic pattern %q: %w", id, pattern, err)
	}
	if idField == "" {
		idField = DefaultIDField
	}
	return &Parser{id: id, topic: re, idField: idField}, nil
}

// MustNew is New that panics on a bad pattern; meant for tests and fixed wiring.
func MustNew(id, pattern, idField string) *Parser {
	p, err := New(id, pattern, idField)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Parser) ID() string { return p.id }

func (p *Parser) Matches(topic string) bool { return p.topic.MatchString(topic) }

func (p *Parser) Parse(msg event.Message) (event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(msg.Body))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "decode body of message %q", msg.MessageID)
	}
	if dec.More() {
		return nil, fault.New(fault.KindMalformedPayload, "trailing data after payload of message %q", msg.MessageID)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindMalformedPayload, "resulting object is not a message: top-level value is %T", parsed)
	}

	fields := normalize(obj).(map[string]any)

	// a null, empty or structured identity counts as absent
	eventID := msg.MessageID
	if v, ok := fields[p.idField]; ok {
		if s, ok := scalar(v); ok && s != "" {
			eventID = s
		}
		delete(fields, p.idField)
	}
	fields[EventIDField] = eventID

	key, _ := scalar(fields[AggregationKeyField])
	return event.NewPayloadEvent(eventID, key, fields), nil
}

// normalize converts json.Number values to float64 when they fit, keeping
// the literal string otherwise.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = normalize(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalize(inner)
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

// scalar renders a string, number or bool; anything else is not a scalar.
func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
