// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package eventprocessor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusops/turnstile/internal/ledger"
	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/metrics"
	"github.com/campusops/turnstile/internal/store"
)

// Membership answers whether a subject belongs to the enrolled
// population. Implemented by the bloom filter; false means definitely
// absent, true means present modulo the configured false-positive
// rate.
type Membership interface {
	Test(subjectID string) bool
}

// Counter accumulates per-(session, day) distinct attendance.
type Counter interface {
	Add(sessionID, day, subjectID string)
}

// Committer persists one record to every projection and retries
// named failed targets.
type Committer interface {
	Commit(ctx context.Context, rec *store.Record) store.Result
	Retry(ctx context.Context, rec *store.Record, failed map[string]error) store.Result
}

// Processor drives the per-event state machine. All dependencies are
// injected so the pipeline is testable with fakes. A Processor is
// shared by all subscriber workers; every dependency must tolerate
// concurrent calls.
type Processor struct {
	cfg        ProcessorConfig
	serializer *Serializer
	filter     Membership
	ledger     ledger.Ledger
	counter    Counter
	writer     Committer
	sink       RejectionSink
}

// NewProcessor wires the pipeline.
func NewProcessor(
	cfg ProcessorConfig,
	filter Membership,
	led ledger.Ledger,
	counter Counter,
	writer Committer,
	sink RejectionSink,
) *Processor {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultProcessorConfig().RetryMax
	}
	if cfg.RetryInitialBackoff <= 0 {
		cfg.RetryInitialBackoff = DefaultProcessorConfig().RetryInitialBackoff
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = DefaultProcessorConfig().RetryMaxBackoff
	}
	return &Processor{
		cfg:        cfg,
		serializer: NewSerializer(),
		filter:     filter,
		ledger:     led,
		counter:    counter,
		writer:     writer,
		sink:       sink,
	}
}

// Handle processes one delivery. Returning nil acks the message;
// returning an error nacks it for redelivery.
//
// The terminal states are commit (both projections written, ledger
// marked), rejection (published to the sink), or nack. A message is
// never acked until its side effects are durably confirmed.
func (p *Processor) Handle(msg *message.Message) error {
	start := time.Now()
	metrics.EventsReceived.Inc()
	ctx := msg.Context()

	event, err := p.serializer.Unmarshal(msg.Payload)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		// Malformed payloads are terminal: redelivery cannot fix them,
		// so they go to the sink and the delivery is acked.
		return p.reject(ctx, msg, eventID(event), ReasonMalformedPayload,
			NewPermanentError("malformed swipe payload", err))
	}

	log := logging.With().
		Str("event_id", event.EventID).
		Str("subject_id", event.SubjectID).
		Str("session_id", event.SessionID).
		Logger()

	if !p.filter.Test(event.SubjectID) {
		// Definitely not in the population; no false negatives.
		return p.reject(ctx, msg, event.EventID, ReasonUnknownSubject, nil)
	}

	claimed, err := p.ledger.TryClaim(ctx, event.EventID)
	if err != nil {
		metrics.EventsNacked.Inc()
		return NewRetryableError("ledger claim", err)
	}
	if !claimed {
		// A prior attempt committed or is in flight. Ack without
		// re-applying side effects.
		metrics.DuplicateDeliveries.Inc()
		log.Debug().Msg("Duplicate delivery suppressed")
		return nil
	}

	// The estimator only grows and adding the same subject twice is a
	// no-op, so counting before persistence cannot overcount.
	p.counter.Add(event.SessionID, event.Day(), event.SubjectID)

	rec := event.Record()
	result := p.writer.Commit(ctx, rec)
	for attempt := 1; result.Status != store.StatusOK && attempt <= p.cfg.RetryMax; attempt++ {
		for target := range result.Failed {
			metrics.ProjectionRetries.WithLabelValues(target).Inc()
		}
		if err := p.backoff(ctx, attempt); err != nil {
			break
		}
		result = p.writer.Retry(ctx, rec, result.Failed)
	}

	if result.Status != store.StatusOK {
		// Free the claim so redelivery can reclaim immediately instead
		// of waiting out the lease. The event stays unacked.
		if relErr := p.ledger.Release(ctx, event.EventID); relErr != nil {
			log.Warn().Err(relErr).Msg("Failed to release ledger claim")
		}
		metrics.EventsNacked.Inc()
		log.Warn().
			Str("status", result.Status.String()).
			Int("failed_targets", len(result.Failed)).
			Msg("Projection writes incomplete, requesting redelivery")
		return NewRetryableError("projection writes incomplete", joinFailures(result.Failed))
	}

	if err := p.ledger.Commit(ctx, event.EventID); err != nil {
		// Projections are idempotent, so redelivering a persisted
		// event is safe; losing the commit marker is not.
		metrics.EventsNacked.Inc()
		return NewRetryableError("ledger commit", err)
	}

	metrics.RecordCommit(time.Since(start))
	log.Debug().Str("day", event.Day()).Msg("Swipe committed")
	return nil
}

func (p *Processor) reject(ctx context.Context, msg *message.Message, eventID, reason string, cause error) error {
	if err := p.sink.Reject(ctx, eventID, reason, msg.Payload); err != nil {
		// The rejection record must be durable before the delivery is
		// acked; otherwise a terminal event would vanish.
		metrics.EventsNacked.Inc()
		return NewRetryableError("rejection publish", err)
	}
	evt := logging.Info().
		Str("event_id", eventID).
		Str("reason", reason)
	var perm *PermanentError
	if errors.As(cause, &perm) {
		evt = evt.Str("category", perm.Category.String())
	}
	evt.AnErr("cause", cause).Msg("Event rejected")
	return nil
}

// backoff sleeps for an exponentially growing, jittered delay.
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	delay := p.cfg.RetryInitialBackoff << (attempt - 1)
	if delay > p.cfg.RetryMaxBackoff {
		delay = p.cfg.RetryMaxBackoff
	}
	// Jitter in [delay/2, delay) to decorrelate competing workers.
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func eventID(event *SwipeEvent) string {
	if event == nil {
		return ""
	}
	return event.EventID
}

func joinFailures(failed map[string]error) error {
	errs := make([]error, 0, len(failed))
	for _, err := range failed {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
