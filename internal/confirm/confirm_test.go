package confirm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	stopped bool
	fn      func()
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	f.delays = append(f.delays, d)
	return t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	pending := append([]*fakeTimer{}, f.timers...)
	f.timers = nil
	f.delays = nil
	f.mu.Unlock()
	for _, timer := range pending {
		if !timer.stopped {
			timer.fn()
		}
	}
}

func newGate(t *testing.T) (*Gate, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := New(0)
	gate.WithClock(clock)
	return gate, clock
}

func TestConfirmRunsOnce(t *testing.T) {
	gate, clock := newGate(t)
	var outcomes []Outcome
	req := Request{OperatorID: "op", Summary: map[string]string{"roles": "3"}}
	if err := gate.Open("r1", req, func(o Outcome) { outcomes = append(outcomes, o) }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if clock.delays[0] != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", clock.delays[0])
	}
	if err := gate.Open("r1", req, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	if err := gate.Confirm("r1", "intruder"); !errors.Is(err, ErrNotOperator) {
		t.Fatalf("expected ErrNotOperator, got %v", err)
	}
	if err := gate.Confirm("r1", "op"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := gate.Cancel("r1", "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second decision should fail, got %v", err)
	}
	clock.Advance(2 * time.Minute)

	if len(outcomes) != 1 || outcomes[0].Decision != Confirmed || outcomes[0].TimedOut {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[0].Request.Summary["roles"] != "3" {
		t.Fatalf("summary not carried: %+v", outcomes[0].Request)
	}
}

func TestTimeoutCancels(t *testing.T) {
	gate, clock := newGate(t)
	var outcomes []Outcome
	if err := gate.Open("r1", Request{OperatorID: "op"}, func(o Outcome) { outcomes = append(outcomes, o) }); err != nil {
		t.Fatalf("open: %v", err)
	}
	clock.Advance(DefaultTimeout)

	if len(outcomes) != 1 || outcomes[0].Decision != Cancelled || !outcomes[0].TimedOut {
		t.Fatalf("expected timed out cancellation, got %+v", outcomes)
	}
	if err := gate.Confirm("r1", "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("confirm after timeout should fail, got %v", err)
	}
	if _, ok := gate.Pending("r1"); ok {
		t.Fatalf("request should be gone")
	}
}

func TestCancelByOperator(t *testing.T) {
	gate, _ := newGate(t)
	var decision Decision
	if err := gate.Open("r1", Request{OperatorID: "op"}, func(o Outcome) { decision = o.Decision }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := gate.Pending("r1"); !ok {
		t.Fatalf("expected pending request")
	}
	if err := gate.Cancel("r1", "op"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if decision != Cancelled || decision.String() != "cancelled" {
		t.Fatalf("expected cancelled, got %s", decision)
	}
}
