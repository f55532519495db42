package observability

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFulfillmentMetricsRecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewFulfillmentMetrics(provider)
	if err != nil {
		t.Fatalf("NewFulfillmentMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordTransition(ctx, "completed", "changed")
	m.RecordKeysAllocated(ctx, "p1", 3)
	m.RecordKeysAllocated(ctx, "p1", 0)
	m.RecordSideEffect(ctx, "email", errors.New("smtp"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	if totals["fulfillment.transitions"] != 1 || totals["fulfillment.keys_allocated"] != 3 || totals["fulfillment.side_effects"] != 1 {
		t.Fatalf("unexpected totals %v", totals)
	}
}

func TestNilFulfillmentMetricsIsSafe(t *testing.T) {
	var m *FulfillmentMetrics
	m.RecordTransition(context.Background(), "completed", "changed")
	m.RecordKeysAllocated(context.Background(), "p", 1)
	m.RecordSideEffect(context.Background(), "email", nil)
}
