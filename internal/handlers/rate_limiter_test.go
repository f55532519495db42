package handlers

import (
	"testing"
	"time"
)

func TestWindowLimiterTracksActorsSeparately(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := newWindowLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if !limiter.Allow("staff_1") {
			t.Fatalf("expected call %d to be allowed", i+1)
		}
	}
	if limiter.Allow("staff_1") {
		t.Fatalf("expected third call in window to be rejected")
	}
	if !limiter.Allow("staff_2") {
		t.Fatalf("expected other actor to be allowed")
	}

	now = now.Add(time.Minute)
	if !limiter.Allow("staff_1") {
		t.Fatalf("expected window reset to allow staff_1 again")
	}
}

func TestNewWindowLimiterDisabled(t *testing.T) {
	if newWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected zero limit to disable limiter")
	}
	if newWindowLimiter(5, 0, nil) != nil {
		t.Fatalf("expected zero window to disable limiter")
	}
}
