package common

import (
	"strings"
	"testing"
	"time"
)

// Helper to create a time easily
func mustTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("failed to parse time %q: %v", value, err)
	}
	return parsed
}

func TestCheckJobStaleness(t *testing.T) {
	now := mustTime(t, time.RFC3339, "2025-06-10T12:00:00Z")
	window := 10 * time.Minute

	tests := []struct {
		name         string
		lastObserved string
		wantStale    bool
	}{
		{"observed just now", "2025-06-10T12:00:00Z", false},
		{"observed within window", "2025-06-10T11:55:00Z", false},
		{"observed just inside window", "2025-06-10T11:50:01Z", false},
		{"observed exactly at window", "2025-06-10T11:50:00Z", true},
		{"observed beyond window", "2025-06-10T11:30:00Z", true},
		{"observed hours ago", "2025-06-10T08:00:00Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lastObserved := mustTime(t, time.RFC3339, tt.lastObserved)

			got := CheckJobStaleness(lastObserved, now, window)
			if got.IsStale != tt.wantStale {
				t.Errorf("CheckJobStaleness(%s) stale = %v, want %v", tt.lastObserved, got.IsStale, tt.wantStale)
			}
			if got.Reason == "" {
				t.Error("expected a non-empty reason")
			}
		})
	}
}

func TestCheckJobStaleness_NeverObserved(t *testing.T) {
	result := CheckJobStaleness(time.Time{}, time.Now(), 10*time.Minute)

	if !result.IsStale {
		t.Error("job with no observations should be stale")
	}
	if !strings.Contains(result.Reason, "never been observed") {
		t.Errorf("unexpected reason: %s", result.Reason)
	}
}

func TestCheckJobStaleness_NextCheckTime(t *testing.T) {
	now := mustTime(t, time.RFC3339, "2025-06-10T12:00:00Z")
	lastObserved := mustTime(t, time.RFC3339, "2025-06-10T11:58:00Z")
	window := 10 * time.Minute

	result := CheckJobStaleness(lastObserved, now, window)

	if result.IsStale {
		t.Fatal("job observed 2m ago should not be stale with a 10m window")
	}
	wantNext := mustTime(t, time.RFC3339, "2025-06-10T12:08:00Z")
	if !result.NextCheckTime.Equal(wantNext) {
		t.Errorf("NextCheckTime = %s, want %s", result.NextCheckTime, wantNext)
	}
	if result.Idle != 2*time.Minute {
		t.Errorf("Idle = %s, want 2m", result.Idle)
	}
}
