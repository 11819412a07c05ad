// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package sketch provides the approximate distinct-count state for
// attendance: one register-based cardinality estimator per
// (session, day) partition, with binary checkpointing so estimates
// survive restarts without replaying events.
package sketch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
	"sync/atomic"
)

const (
	// MinPrecision and MaxPrecision bound the register-index width.
	MinPrecision = 4
	MaxPrecision = 16

	// DefaultPrecision gives 16384 registers and ~0.81% standard error
	// at 16KB per partition.
	DefaultPrecision = 14

	marshalVersion = 1
)

// Estimator approximates the number of distinct subject identifiers
// observed. It is an array of 2^precision registers, each holding the
// maximum observed rank (leading-zero run) for hashes routed to it.
//
// Add is lock-free: registers are raised with a CAS max loop, so
// concurrent workers never lose an observation and the result is
// independent of interleaving. The structure only grows; observations
// cannot be removed.
type Estimator struct {
	precision uint8
	registers []atomic.Uint32
}

// NewEstimator creates an estimator with 2^precision registers.
// Precision outside [MinPrecision, MaxPrecision] falls back to
// DefaultPrecision.
func NewEstimator(precision uint8) *Estimator {
	if precision < MinPrecision || precision > MaxPrecision {
		precision = DefaultPrecision
	}
	return &Estimator{
		precision: precision,
		registers: make([]atomic.Uint32, 1<<precision),
	}
}

// Add records an observation of the subject. Adding the same subject
// any number of times, in any order, from any number of goroutines,
// yields the same register state.
func (e *Estimator) Add(subjectID string) {
	h := fnv.New64a()
	h.Write([]byte(subjectID))
	sum := mix64(h.Sum64())

	idx := sum >> (64 - e.precision)
	// Rank of the remaining bits: position of the first 1, counted from 1.
	rest := sum<<e.precision | 1<<(e.precision-1)
	rank := uint32(bits.LeadingZeros64(rest)) + 1

	reg := &e.registers[idx]
	for {
		cur := reg.Load()
		if cur >= rank {
			return
		}
		if reg.CompareAndSwap(cur, rank) {
			return
		}
	}
}

// Estimate returns the approximate distinct count using the harmonic
// mean of register values, with linear counting for the small range
// where the raw estimator is biased.
func (e *Estimator) Estimate() uint64 {
	m := float64(len(e.registers))

	var sum float64
	zeros := 0
	for i := range e.registers {
		v := e.registers[i].Load()
		sum += math.Pow(2, -float64(v))
		if v == 0 {
			zeros++
		}
	}

	raw := alpha(len(e.registers)) * m * m / sum

	if raw <= 2.5*m && zeros > 0 {
		// Linear counting is more accurate while most registers are empty.
		return uint64(math.Round(m * math.Log(m/float64(zeros))))
	}
	return uint64(math.Round(raw))
}

// Merge raises each register to the maximum of the two estimators.
// Merging is deterministic and commutative; merging an estimator into
// itself or merging the same state twice is a no-op. Estimators with
// different precisions cannot be merged.
func (e *Estimator) Merge(other *Estimator) error {
	if other == nil {
		return nil
	}
	if other.precision != e.precision {
		return fmt.Errorf("merge precision mismatch: %d != %d", other.precision, e.precision)
	}

	for i := range e.registers {
		v := other.registers[i].Load()
		reg := &e.registers[i]
		for {
			cur := reg.Load()
			if cur >= v {
				break
			}
			if reg.CompareAndSwap(cur, v) {
				break
			}
		}
	}
	return nil
}

// Precision returns the register-index width.
func (e *Estimator) Precision() uint8 {
	return e.precision
}

// MarshalBinary serializes the register state for checkpointing.
// Layout: version byte, precision byte, one byte per register
// (ranks never exceed 64-precision+1, so a byte always suffices).
func (e *Estimator) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2+len(e.registers))
	buf[0] = marshalVersion
	buf[1] = e.precision
	for i := range e.registers {
		buf[2+i] = byte(e.registers[i].Load())
	}
	return buf, nil
}

// UnmarshalBinary restores register state from a checkpoint, merging
// with any observations already present (register-wise max), so a
// reload after partial reprocessing never lowers the estimate.
func (e *Estimator) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.New("sketch: checkpoint too short")
	}
	if data[0] != marshalVersion {
		return fmt.Errorf("sketch: unsupported checkpoint version %d", data[0])
	}
	if data[1] != e.precision {
		return fmt.Errorf("sketch: checkpoint precision %d does not match estimator precision %d", data[1], e.precision)
	}
	if len(data) != 2+len(e.registers) {
		return fmt.Errorf("sketch: checkpoint length %d does not match register count %d", len(data)-2, len(e.registers))
	}

	for i := range e.registers {
		v := uint32(data[2+i])
		reg := &e.registers[i]
		for {
			cur := reg.Load()
			if cur >= v {
				break
			}
			if reg.CompareAndSwap(cur, v) {
				break
			}
		}
	}
	return nil
}

// mix64 is the MurmurHash3 64-bit finalizer. FNV-1a alone leaves the
// high bits poorly avalanched for short sequential keys, which would
// route most subjects to a handful of registers.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// alpha is the bias-correction constant for m registers.
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}
