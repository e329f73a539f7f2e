package confirm

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("confirmation not found or already decided")
	ErrNotOperator = errors.New("only the requesting operator can decide")
	ErrExists      = errors.New("confirmation already open")
)

const DefaultTimeout = 60 * time.Second

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type Decision int

const (
	Confirmed Decision = iota + 1
	Cancelled
)

func (d Decision) String() string {
	switch d {
	case Confirmed:
		return "confirmed"
	case Cancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Request is what the operator is asked to approve. Summary is computed when
// the gate opens and shown as is.
type Request struct {
	OperatorID string
	Summary    map[string]string
}

type Outcome struct {
	Decision  Decision
	TimedOut  bool
	Request   Request
	OpenedAt  time.Time
	DecidedAt time.Time
}

type pending struct {
	req      Request
	openedAt time.Time
	timer    Timer
	decide   func(Outcome)
}

// Gate holds restore requests awaiting a single operator decision.
type Gate struct {
	mu      sync.Mutex
	clock   Clock
	timeout time.Duration
	pending map[string]*pending
}

func New(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		clock:   realClock{},
		timeout: timeout,
		pending: make(map[string]*pending),
	}
}

func (g *Gate) WithClock(clock Clock) {
	g.clock = clock
}

func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// Open registers a request under id. onDecision runs exactly once, with
// Cancelled if nobody decides before the timeout.
func (g *Gate) Open(id string, req Request, onDecision func(Outcome)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; ok {
		return ErrExists
	}
	p := &pending{req: req, openedAt: g.clock.Now(), decide: onDecision}
	g.pending[id] = p
	p.timer = g.clock.AfterFunc(g.timeout, func() {
		g.finish(id, "", Cancelled, true)
	})
	return nil
}

func (g *Gate) Confirm(id, operatorID string) error {
	return g.finish(id, operatorID, Confirmed, false)
}

func (g *Gate) Cancel(id, operatorID string) error {
	return g.finish(id, operatorID, Cancelled, false)
}

func (g *Gate) Pending(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

func (g *Gate) finish(id, operatorID string, decision Decision, timedOut bool) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	if !timedOut && p.req.OperatorID != "" && p.req.OperatorID != operatorID {
		g.mu.Unlock()
		return ErrNotOperator
	}
	delete(g.pending, id)
	if !timedOut && p.timer != nil {
		p.timer.Stop()
	}
	g.mu.Unlock()

	if p.decide != nil {
		p.decide(Outcome{
			Decision:  decision,
			TimedOut:  timedOut,
			Request:   p.req,
			OpenedAt:  p.openedAt,
			DecidedAt: g.clock.Now(),
		})
	}
	return nil
}
