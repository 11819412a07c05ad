// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package eventprocessor

import "time"

// StreamName is the JetStream stream holding all swipe events.
const StreamName = "SWIPES"

// RejectionStreamName holds rejected events for later inspection.
const RejectionStreamName = "REJECTIONS"

// RejectionTopic is the subject rejected events are published to.
const RejectionTopic = "rejections.swipes"

// SwipeSubjects matches every gate's swipe subject.
const SwipeSubjects = "swipes.>"

// ServerConfig holds embedded NATS server configuration.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// DefaultServerConfig returns production defaults for the embedded
// NATS server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "/data/nats/jetstream",
		JetStreamMaxMem:   1 << 30,  // 1GB
		JetStreamMaxStore: 10 << 30, // 10GB
	}
}

// PublisherConfig holds publisher configuration.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns production defaults for publisher.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1, // Unlimited
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024, // 8MB
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds subscriber configuration.
type SubscriberConfig struct {
	URL         string
	DurableName string
	QueueGroup  string

	// SubscribersCount is the number of concurrent processing workers.
	// Swipes for different subjects are independent, so out-of-order
	// processing across workers is safe: projections key by event and
	// the estimator is commutative.
	SubscribersCount int

	// AckWaitTimeout is the redelivery deadline for unacked messages.
	AckWaitTimeout time.Duration

	// MaxDeliver caps redelivery attempts.
	MaxDeliver int

	// MaxAckPending bounds in-flight unacked messages, which is the
	// processor's backpressure mechanism.
	MaxAckPending int

	CloseTimeout  time.Duration
	MaxReconnects int
	ReconnectWait time.Duration

	// StreamName is the JetStream stream to bind to. Binding is
	// required because the subscribe topic contains a wildcard and
	// stream names cannot.
	StreamName string
}

// DefaultSubscriberConfig returns production defaults for subscriber.
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		DurableName:      "swipe-processor",
		QueueGroup:       "processors",
		SubscribersCount: 4,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1000,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		StreamName:       StreamName,
	}
}

// StreamConfig defines swipe stream settings.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns production stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            StreamName,
		Subjects:        []string{SwipeSubjects},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        10 * 1024 * 1024 * 1024, // 10GB
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// DefaultRejectionStreamConfig returns the rejection sink stream
// configuration. Rejections are low-volume and kept longer for
// operator inspection.
func DefaultRejectionStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            RejectionStreamName,
		Subjects:        []string{"rejections.>"},
		MaxAge:          30 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024, // 1GB
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// ProcessorConfig tunes the per-event state machine.
type ProcessorConfig struct {
	// RetryMax bounds local retries of failed projection targets
	// before the event is released and nacked.
	RetryMax int

	// RetryInitialBackoff is the first retry delay; each subsequent
	// retry doubles it up to RetryMaxBackoff. Delays are jittered.
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

// DefaultProcessorConfig returns production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		RetryMax:            3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
	}
}

// RouterConfig holds configuration for the Watermill router.
type RouterConfig struct {
	// CloseTimeout is how long to wait for in-flight handlers when
	// closing.
	CloseTimeout time.Duration

	// ThrottlePerSecond rate-limits handler invocations (0 = disabled).
	ThrottlePerSecond int64
}

// DefaultRouterConfig returns production defaults for the router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:      30 * time.Second,
		ThrottlePerSecond: 0,
	}
}
