// Package tally adapts tally counters to the rbx.Counter contract.
package tally

import (
	"github.com/3rs4lg4d0/runbox/rbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ rbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters groups the pipeline counters registered under one scope.
type Counters struct {
	Delivered *Counter // records delivered or messages handled
	Failed    *Counter // failed delivery attempts
	Retried   *Counter // scheduled retries
	Dead      *Counter // records or messages given up on
}

// NewCounters registers the counters of one component on a sub scope of s.
func NewCounters(s tally.Scope, component string) Counters {
	sub := s.Tagged(map[string]string{"component": component})
	return Counters{
		Delivered: &Counter{Counter: sub.Counter("delivered")},
		Failed:    &Counter{Counter: sub.Counter("failed")},
		Retried:   &Counter{Counter: sub.Counter("retried")},
		Dead:      &Counter{Counter: sub.Counter("dead")},
	}
}
