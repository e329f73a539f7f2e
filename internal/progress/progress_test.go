package progress

import (
	"testing"
	"time"
)

func TestThrottleLimitsUpdates(t *testing.T) {
	var got []Update
	throttle := NewThrottle(time.Hour, ReporterFunc(func(u Update) { got = append(got, u) }))

	for i := 1; i <= 5; i++ {
		throttle.Report(Update{Phase: "roles", Done: i, Total: 5})
	}
	if len(got) != 1 || got[0].Done != 1 {
		t.Fatalf("expected only the first update, got %+v", got)
	}

	throttle.Flush(Update{Phase: "done", Done: 5, Total: 5})
	if len(got) != 2 || got[1].Phase != "done" {
		t.Fatalf("flush should always forward, got %+v", got)
	}
}

func TestThrottleWithoutInterval(t *testing.T) {
	count := 0
	throttle := NewThrottle(0, ReporterFunc(func(Update) { count++ }))
	for i := 0; i < 3; i++ {
		throttle.Report(Update{Done: i})
	}
	if count != 3 {
		t.Fatalf("expected every update, got %d", count)
	}
}

func TestFinishBypassesThrottle(t *testing.T) {
	var got []Update
	throttle := NewThrottle(time.Hour, ReporterFunc(func(u Update) { got = append(got, u) }))
	throttle.Report(Update{Phase: "roles"})
	Finish(throttle, Update{Phase: "done"})
	if len(got) != 2 || got[1].Phase != "done" {
		t.Fatalf("expected final update, got %+v", got)
	}

	plain := 0
	Finish(ReporterFunc(func(Update) { plain++ }), Update{})
	if plain != 1 {
		t.Fatalf("expected plain reporter to receive the update")
	}
}
