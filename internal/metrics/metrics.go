// Package metrics records operational counters.
//
// Counters are OpenTelemetry Int64Counter instruments (exported when the host
// installs a MeterProvider) mirrored in-process so status endpoints and tests
// can read current values without an exporter.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "jarvis"

// Counter names used across the module.
const (
	SuggestionsSent      = "suggestions.sent"
	SuggestionsFailed    = "suggestions.failed"
	SuggestionsResponded = "suggestions.responded"
	SuggestionsAccepted  = "suggestions.accepted"
	SuggestionsDeclined  = "suggestions.declined"
	SuggestionsTimedOut  = "suggestions.timed_out"
	PolicySuppressed     = "policy.suppressed"
	VoiceSuppressedNight = "policy.voice_suppressed_night"
	PolicyAdapted        = "policy.adapted"
)

// Registry hands out named counters.
type Registry struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	inst  metric.Int64Counter
	value atomic.Int64
}

// New uses the global MeterProvider (a no-op until the host installs one).
func New() *Registry {
	return NewWithProvider(otel.GetMeterProvider())
}

func NewWithProvider(mp metric.MeterProvider) *Registry {
	return &Registry{
		meter:    mp.Meter(meterName),
		counters: map[string]*counter{},
	}
}

func (r *Registry) get(name string) *counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &counter{}
	// Instrument creation only fails on invalid names; the mirror still counts.
	inst, err := r.meter.Int64Counter("jarvis."+name, metric.WithDescription(name))
	if err == nil {
		c.inst = inst
	}
	r.counters[name] = c
	return c
}

// Inc adds one to the named counter. attrs are forwarded to the exporter only;
// the in-process mirror is keyed by name.
func (r *Registry) Inc(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	r.Add(ctx, name, 1, attrs...)
}

func (r *Registry) Add(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := r.get(name)
	c.value.Add(n)
	if c.inst != nil {
		c.inst.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// Touch registers a counter at zero so it shows up in snapshots before the first increment.
func (r *Registry) Touch(names ...string) {
	if r == nil {
		return
	}
	for _, n := range names {
		r.get(n)
	}
}

func (r *Registry) Value(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return c.value.Load()
}

// Snapshot returns current values of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	out := map[string]int64{}
	if r == nil {
		return out
	}
	r.mu.Lock()
	for name, c := range r.counters {
		out[name] = c.value.Load()
	}
	r.mu.Unlock()
	return out
}

// Names returns registered counter names, sorted.
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
