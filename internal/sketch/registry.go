// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package sketch

import (
	"sync"

	"github.com/campusops/turnstile/internal/metrics"
)

// Key identifies one attendance partition: a session on a calendar day.
type Key struct {
	SessionID string
	Day       string
}

// String renders the key as "session|day" for storage and logging.
func (k Key) String() string {
	return k.SessionID + "|" + k.Day
}

// Registry holds one estimator per (session, day) partition and
// creates them lazily on first observation. All methods are safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	precision  uint8
	estimators map[Key]*Estimator
}

// NewRegistry creates an empty registry whose estimators use the
// given precision.
func NewRegistry(precision uint8) *Registry {
	return &Registry{
		precision:  precision,
		estimators: make(map[Key]*Estimator),
	}
}

// Add records a subject observation for the session/day partition.
func (r *Registry) Add(sessionID, day, subjectID string) {
	r.estimator(Key{SessionID: sessionID, Day: day}).Add(subjectID)
}

// Estimate returns the approximate distinct subject count for the
// partition. An unseen partition estimates zero.
func (r *Registry) Estimate(sessionID, day string) uint64 {
	r.mu.RLock()
	est, ok := r.estimators[Key{SessionID: sessionID, Day: day}]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return est.Estimate()
}

// Snapshot marshals every estimator for checkpointing. The register
// arrays are copied at marshal time, so concurrent Adds during a
// snapshot are either included or picked up by the next one.
func (r *Registry) Snapshot() (map[Key][]byte, error) {
	r.mu.RLock()
	ests := make(map[Key]*Estimator, len(r.estimators))
	for k, e := range r.estimators {
		ests[k] = e
	}
	r.mu.RUnlock()

	out := make(map[Key][]byte, len(ests))
	for k, e := range ests {
		data, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out[k] = data
	}
	return out, nil
}

// Restore merges a checkpointed estimator into the partition,
// register-wise max, creating the partition if needed.
func (r *Registry) Restore(key Key, data []byte) error {
	return r.estimator(key).UnmarshalBinary(data)
}

// Len returns the number of tracked partitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.estimators)
}

func (r *Registry) estimator(key Key) *Estimator {
	r.mu.RLock()
	est, ok := r.estimators[key]
	r.mu.RUnlock()
	if ok {
		return est
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if est, ok = r.estimators[key]; ok {
		return est
	}
	est = NewEstimator(r.precision)
	r.estimators[key] = est
	metrics.EstimatorKeys.Set(float64(len(r.estimators)))
	return est
}
