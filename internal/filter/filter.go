// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package filter provides the probabilistic membership filter used to
// validate swipe subjects against the known population.
//
// The filter is a fixed-size bit array with k independent hash positions
// per key. It answers "is this subject enrolled?" with a configurable
// false-positive rate and no false negatives: an enrolled subject always
// tests present, an unknown subject tests present with probability at
// most p when the filter is sized for the population.
package filter

import (
	"hash/fnv"
	"math"
	"math/bits"
	"sync"
)

// Filter is a probabilistic membership set over subject identifiers.
// It is read-mostly: Load replaces the population under a write lock,
// Test takes a read lock and is safe for concurrent workers.
type Filter struct {
	mu       sync.RWMutex
	words    []uint64
	size     uint64 // number of bits
	hashFns  int
	loaded   int // identifiers inserted by the last Load
	capacity int
	fpRate   float64
}

// New creates a filter sized for the expected population and target
// false-positive rate using the standard optimal-parameter formulas:
//
//	m = -n * ln(p) / ln(2)^2   bits
//	k = (m / n) * ln(2)        hash functions
//
// Undersizing does not fail: loading more than capacity identifiers
// degrades the realized false-positive rate above p, observable through
// FillRatio.
func New(capacity int, fpRate float64) *Filter {
	if capacity <= 0 {
		capacity = 10000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	ln2 := math.Ln2
	m := int(math.Ceil(-float64(capacity) * math.Log(fpRate) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}

	k := int(math.Round(float64(m) / float64(capacity) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 12 {
		k = 12
	}

	words := (m + 63) / 64

	return &Filter{
		words:    make([]uint64, words),
		size:     uint64(words) * 64,
		hashFns:  k,
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Load replaces the filter contents with the given population. Loading
// the same set repeatedly is idempotent: the bit array is cleared first,
// so repeated refreshes do not accumulate fill and degrade the
// false-positive rate.
func (f *Filter) Load(subjectIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.words {
		f.words[i] = 0
	}
	for _, id := range subjectIDs {
		f.set(id)
	}
	f.loaded = len(subjectIDs)
}

// Test reports whether the subject may belong to the population.
// A false result is authoritative; a true result may be a false positive
// with probability at most the configured rate.
func (f *Filter) Test(subjectID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h1, h2 := f.hashPair(subjectID)
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) % f.size
		if f.words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// set inserts a single identifier. Caller must hold the write lock.
func (f *Filter) set(subjectID string) {
	h1, h2 := f.hashPair(subjectID)
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) % f.size
		f.words[idx/64] |= 1 << (idx % 64)
	}
}

// FillRatio returns the fraction of set bits in the bit array. A filter
// loaded at its design capacity sits near 0.5; ratios well above that
// indicate saturation and a realized false-positive rate above target.
func (f *Filter) FillRatio() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	set := 0
	for _, w := range f.words {
		set += bits.OnesCount64(w)
	}
	return float64(set) / float64(f.size)
}

// Saturated reports whether the fill ratio exceeds the given threshold.
// Saturation is a health signal, not an error: the filter keeps serving
// with a degraded false-positive rate.
func (f *Filter) Saturated(threshold float64) bool {
	return f.FillRatio() > threshold
}

// Loaded returns the number of identifiers inserted by the last Load.
func (f *Filter) Loaded() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaded
}

// Capacity returns the population size the filter was sized for.
func (f *Filter) Capacity() int {
	return f.capacity
}

// FalsePositiveRate returns the configured target rate.
func (f *Filter) FalsePositiveRate() float64 {
	return f.fpRate
}

// hashPair derives two independent 64-bit hashes for double hashing:
// position i is h1 + i*h2. Cheaper than k independent hash functions
// with equivalent distribution quality.
func (f *Filter) hashPair(key string) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write([]byte(key))

	h2 := fnv.New64()
	h2.Write([]byte(key))
	h2.Write([]byte{0xff})

	second := h2.Sum64()
	// An even h2 can cycle through a subset of positions; force odd.
	second |= 1

	return h1.Sum64(), second
}
