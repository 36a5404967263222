// Package metrics counts session, order and risk activity. Counters are kept
// in memory for the HTTP API and optionally flushed to CloudWatch.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Metric names.
const (
	SessionTransitions = "session_transitions"
	SessionReconnects  = "session_reconnects"
	SessionFailures    = "session_failures"
	BrokerEvents       = "broker_events"
	BrokerErrors       = "broker_errors"
	OrdersSubmitted    = "orders_submitted"
	OrdersUnknown      = "orders_unknown_outcome"
	OrderTransitions   = "order_transitions"
	FillsApplied       = "fills_applied"
	Inconsistencies    = "inconsistencies"
	RiskApproved       = "risk_approved"
	RiskRejected       = "risk_rejected"
	BreakerTrips       = "breaker_trips"
	PublishDropped     = "publish_dropped"
	JournalDropped     = "journal_dropped"
	JournalErrors      = "journal_errors"
	StreamDropped      = "stream_dropped"
)

// Sink receives counter increments. Dimensions are key/value pairs.
type Sink interface {
	Incr(name string, delta int64, dims ...string)
}

// Nop discards everything.
type Nop struct{}

// Incr does nothing.
func (Nop) Incr(string, int64, ...string) {}

// Counters is an in-memory Sink keyed by metric name plus dimensions.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

var _ Sink = (*Counters)(nil)

// NewCounters creates an empty Counters.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Incr adds delta to the counter identified by name and dims.
func (c *Counters) Incr(name string, delta int64, dims ...string) {
	key := Key(name, dims...)
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

// Get returns the current value of one counter.
func (c *Counters) Get(name string, dims ...string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[Key(name, dims...)]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Key renders name{k=v,...} with dimensions sorted by key. An odd trailing
// dimension is ignored.
func Key(name string, dims ...string) string {
	if len(dims) < 2 {
		return name
	}
	pairs := make([]string, 0, len(dims)/2)
	for i := 0; i+1 < len(dims); i += 2 {
		pairs = append(pairs, dims[i]+"="+dims[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Multi fans increments out to several sinks.
type Multi []Sink

// Incr forwards to every sink.
func (m Multi) Incr(name string, delta int64, dims ...string) {
	for _, s := range m {
		s.Incr(name, delta, dims...)
	}
}
