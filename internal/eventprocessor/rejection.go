// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/campusops/turnstile/internal/metrics"
)

// Rejection reasons.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonUnknownSubject   = "unknown_subject"
)

// Rejection is the terminal record of an event this subsystem will
// never retry. The original payload is carried verbatim so operators
// can inspect or replay it.
type Rejection struct {
	EventID    string          `json:"event_id,omitempty"`
	Reason     string          `json:"reason"`
	RejectedAt time.Time       `json:"rejected_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// RawPayload carries the original bytes (base64) when they are not
	// valid JSON and cannot be embedded in Payload.
	RawPayload []byte `json:"raw_payload,omitempty"`
}

// RejectionSink routes rejected events to the rejection stream.
// Publishing must succeed before the original message is acked,
// otherwise the rejection would be silently lost.
type RejectionSink interface {
	Reject(ctx context.Context, eventID, reason string, payload []byte) error
}

// StreamRejectionSink publishes rejections over the shared JetStream
// transport.
type StreamRejectionSink struct {
	publisher *Publisher
	topic     string
}

// NewStreamRejectionSink creates the production rejection sink.
func NewStreamRejectionSink(publisher *Publisher) *StreamRejectionSink {
	return &StreamRejectionSink{
		publisher: publisher,
		topic:     RejectionTopic,
	}
}

// Reject publishes the rejection record.
func (s *StreamRejectionSink) Reject(ctx context.Context, eventID, reason string, payload []byte) error {
	rejection := Rejection{
		EventID:    eventID,
		Reason:     reason,
		RejectedAt: time.Now().UTC(),
	}
	// Marshaling a RawMessage that is not valid JSON fails, and a
	// malformed payload is the main thing this sink exists to record.
	if json.Valid(payload) {
		rejection.Payload = json.RawMessage(payload)
	} else {
		rejection.RawPayload = payload
	}

	data, err := json.Marshal(&rejection)
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("reason", reason)

	if err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		return fmt.Errorf("publish rejection: %w", err)
	}

	metrics.RecordRejection(reason)
	return nil
}
