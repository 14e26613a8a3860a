package jobrun

import (
	"testing"
	"time"

	types "github.com/apiforge/apiforge-backend/internal/domain"
)

func TestExtractWaitUntil(t *testing.T) {
	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		raw  string
		want *time.Time
	}{
		{name: "empty", raw: "", want: nil},
		{name: "null literal", raw: "null", want: nil},
		{name: "no key", raw: `{"status": "ok"}`, want: nil},
		{name: "rfc3339", raw: `{"wait_until": "2026-03-14T09:30:00Z"}`, want: &want},
		{name: "rfc3339 nano", raw: `{"wait_until": "2026-03-14T09:30:00.000000000Z"}`, want: &want},
		{name: "non string", raw: `{"wait_until": 12345}`, want: nil},
		{name: "bad timestamp", raw: `{"wait_until": "tomorrow"}`, want: nil},
		{name: "broken json", raw: `{"wait_until": `, want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractWaitUntil([]byte(tc.raw))
			if tc.want == nil {
				if got != nil {
					t.Fatalf("extractWaitUntil(%q) = %v, want nil", tc.raw, got)
				}
				return
			}
			if got == nil || !got.Equal(*tc.want) {
				t.Fatalf("extractWaitUntil(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestStaleHeartbeat(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-1 * time.Minute)
	stale := now.Add(-45 * time.Minute)
	threshold := 30 * time.Minute

	if staleHeartbeat(nil, now, threshold) {
		t.Fatal("nil job must not read as stale")
	}
	if staleHeartbeat(&types.GenerationJob{}, now, threshold) {
		t.Fatal("job without timestamps must not read as stale")
	}
	if staleHeartbeat(&types.GenerationJob{HeartbeatAt: &fresh}, now, threshold) {
		t.Fatal("fresh heartbeat must not read as stale")
	}
	if !staleHeartbeat(&types.GenerationJob{HeartbeatAt: &stale}, now, threshold) {
		t.Fatal("stale heartbeat must read as stale")
	}
	if !staleHeartbeat(&types.GenerationJob{LockedAt: &stale}, now, threshold) {
		t.Fatal("LockedAt must stand in when heartbeat_at was never written")
	}
	if staleHeartbeat(&types.GenerationJob{HeartbeatAt: &fresh, LockedAt: &stale}, now, threshold) {
		t.Fatal("heartbeat_at takes precedence over locked_at")
	}
	if staleHeartbeat(&types.GenerationJob{HeartbeatAt: &stale}, now, 0) {
		t.Fatal("non-positive threshold disables the guard")
	}
}

func TestStuckAfterFromEnv(t *testing.T) {
	t.Setenv("GENERATION_STUCK_AFTER", "")
	if got := stuckAfterFromEnv(); got != defaultStuckAfter {
		t.Fatalf("default = %v, want %v", got, defaultStuckAfter)
	}

	t.Setenv("GENERATION_STUCK_AFTER", "45m")
	if got := stuckAfterFromEnv(); got != 45*time.Minute {
		t.Fatalf("45m = %v", got)
	}

	t.Setenv("GENERATION_STUCK_AFTER", "soon")
	if got := stuckAfterFromEnv(); got != defaultStuckAfter {
		t.Fatalf("garbage value = %v, want default", got)
	}

	t.Setenv("GENERATION_STUCK_AFTER", "-10m")
	if got := stuckAfterFromEnv(); got != defaultStuckAfter {
		t.Fatalf("negative value = %v, want default", got)
	}
}
