// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package eventprocessor

import (
	"errors"
	"testing"
)

func TestNewStreamManager_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  *StreamConfig
	}{
		{"nil config", nil},
		{"missing name", &StreamConfig{Subjects: []string{SwipeSubjects}}},
		{"missing subjects", &StreamConfig{Name: "SWIPES"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStreamManager(nil, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewStreamManager() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
