package progress

import (
	"time"

	"golang.org/x/time/rate"
)

type Update struct {
	Phase  string
	Done   int
	Total  int
	Failed int
}

type Reporter interface {
	Report(Update)
}

type ReporterFunc func(Update)

func (f ReporterFunc) Report(u Update) { f(u) }

// Nop discards updates.
var Nop Reporter = ReporterFunc(func(Update) {})

// Throttle forwards at most one update per interval to sink. The first update
// always goes through.
type Throttle struct {
	sometimes *rate.Sometimes
	sink      Reporter
}

func NewThrottle(interval time.Duration, sink Reporter) *Throttle {
	s := &rate.Sometimes{Interval: interval}
	if interval <= 0 {
		s = &rate.Sometimes{Every: 1}
	}
	if sink == nil {
		sink = Nop
	}
	return &Throttle{sometimes: s, sink: sink}
}

func (t *Throttle) Report(u Update) {
	t.sometimes.Do(func() { t.sink.Report(u) })
}

// Flush forwards u regardless of the interval.
func (t *Throttle) Flush(u Update) {
	t.sink.Report(u)
}

type flusher interface {
	Flush(Update)
}

// Finish delivers the final update, bypassing any throttling.
func Finish(r Reporter, u Update) {
	if f, ok := r.(flusher); ok {
		f.Flush(u)
		return
	}
	r.Report(u)
}
