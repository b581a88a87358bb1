package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRegistryMirrorsCounts(t *testing.T) {
	t.Parallel()
	r := New()
	r.Touch(SuggestionsSent, SuggestionsFailed)
	r.Inc(context.Background(), SuggestionsSent)
	r.Inc(context.Background(), SuggestionsSent)
	r.Add(context.Background(), PolicySuppressed, 3, attribute.String("reason", "throttled"))

	snap := r.Snapshot()
	if snap[SuggestionsSent] != 2 {
		t.Fatalf("sent = %d, want 2", snap[SuggestionsSent])
	}
	if v, ok := snap[SuggestionsFailed]; !ok || v != 0 {
		t.Fatalf("touched counter missing or non-zero: %v %v", v, ok)
	}
	if r.Value(PolicySuppressed) != 3 {
		t.Fatalf("suppressed = %d, want 3", r.Value(PolicySuppressed))
	}
	if r.Value("unknown") != 0 {
		t.Fatal("unknown counter should read zero")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	t.Parallel()
	var r *Registry
	r.Inc(context.Background(), SuggestionsSent)
	r.Touch(SuggestionsSent)
	if len(r.Snapshot()) != 0 || r.Value(SuggestionsSent) != 0 {
		t.Fatal("nil registry should be empty")
	}
}

func TestRegistryExportsThroughProvider(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	r := NewWithProvider(mp)
	r.Inc(context.Background(), SuggestionsAccepted)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "jarvis."+SuggestionsAccepted {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("exported metric not found")
	}
}
