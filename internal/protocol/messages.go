// Package protocol defines the message schemas carried by the queue fabric
// and the user-facing reply copy. Every channel has an explicit payload
// struct validated at the consumer boundary; nothing downstream trusts the
// shape of a raw payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OutcomeTag is the optional type metadata attached to queue messages.
type OutcomeTag string

const (
	OutcomeSuccess OutcomeTag = "success"
	OutcomeError   OutcomeTag = "error"
)

var errMissingSender = errors.New("missing sender identity")

// MediaRef describes one inbound media attachment by provider URL.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// ImageWorkItem is the payload of the image work queue: one user turn that
// arrived while the session was awaiting an invoice image.
type ImageWorkItem struct {
	From     string            `json:"from"`
	NumMedia int               `json:"num_media"`
	Media    []MediaRef        `json:"media"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// QueryWorkItem is the payload of the query work queue: one free-text
// request for stored invoice information.
type QueryWorkItem struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// DeliveryItem is the payload of the delivery queue: one outbound message
// for the responder to push to the user.
type DeliveryItem struct {
	To        string     `json:"to"`
	Body      string     `json:"body"`
	MediaURLs []string   `json:"media_urls,omitempty"`
	Outcome   OutcomeTag `json:"outcome,omitempty"`
}

func (m ImageWorkItem) Encode() ([]byte, error) { return json.Marshal(m) }
func (m QueryWorkItem) Encode() ([]byte, error) { return json.Marshal(m) }
func (m DeliveryItem) Encode() ([]byte, error)  { return json.Marshal(m) }

// DecodeImageWorkItem parses and validates an image work payload.
func DecodeImageWorkItem(raw []byte) (ImageWorkItem, error) {
	var m ImageWorkItem
	if err := json.Unmarshal(raw, &m); err != nil {
		return ImageWorkItem{}, fmt.Errorf("decode image work item: %w", err)
	}
	if m.From == "" {
		return ImageWorkItem{}, fmt.Errorf("decode image work item: %w", errMissingSender)
	}
	return m, nil
}

// DecodeQueryWorkItem parses and validates a query work payload.
func DecodeQueryWorkItem(raw []byte) (QueryWorkItem, error) {
	var m QueryWorkItem
	if err := json.Unmarshal(raw, &m); err != nil {
		return QueryWorkItem{}, fmt.Errorf("decode query work item: %w", err)
	}
	if m.From == "" {
		return QueryWorkItem{}, fmt.Errorf("decode query work item: %w", errMissingSender)
	}
	return m, nil
}

// DecodeDeliveryItem parses and validates a delivery payload.
func DecodeDeliveryItem(raw []byte) (DeliveryItem, error) {
	var m DeliveryItem
	if err := json.Unmarshal(raw, &m); err != nil {
		return DeliveryItem{}, fmt.Errorf("decode delivery item: %w", err)
	}
	if m.To == "" {
		return DeliveryItem{}, fmt.Errorf("decode delivery item: missing recipient")
	}
	return m, nil
}
