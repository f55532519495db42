package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/keymarket/api/internal/services"

// FulfillmentMetrics records order transition, key allocation and side-effect outcomes.
type FulfillmentMetrics struct {
	transitions   metric.Int64Counter
	keysAllocated metric.Int64Counter
	sideEffects   metric.Int64Counter
}

// NewFulfillmentMetrics registers counters on provider, or the global provider when nil.
func NewFulfillmentMetrics(provider metric.MeterProvider) (*FulfillmentMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	transitions, err := meter.Int64Counter("fulfillment.transitions",
		metric.WithDescription("Order status transition requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: transitions counter: %w", err)
	}
	keys, err := meter.Int64Counter("fulfillment.keys_allocated",
		metric.WithDescription("License keys moved from available to used"),
		metric.WithUnit("{key}"))
	if err != nil {
		return nil, fmt.Errorf("observability: keys counter: %w", err)
	}
	sideEffects, err := meter.Int64Counter("fulfillment.side_effects",
		metric.WithDescription("Background side effects by name and result"))
	if err != nil {
		return nil, fmt.Errorf("observability: side effects counter: %w", err)
	}
	return &FulfillmentMetrics{transitions: transitions, keysAllocated: keys, sideEffects: sideEffects}, nil
}

// RecordTransition counts one transition request.
func (m *FulfillmentMetrics) RecordTransition(ctx context.Context, target string, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target_status", target),
		attribute.String("outcome", outcome),
	))
}

// RecordKeysAllocated counts keys handed out for one product.
func (m *FulfillmentMetrics) RecordKeysAllocated(ctx context.Context, productID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.keysAllocated.Add(ctx, int64(count), metric.WithAttributes(attribute.String("product_id", productID)))
}

// RecordSideEffect counts one background side effect run.
func (m *FulfillmentMetrics) RecordSideEffect(ctx context.Context, name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.sideEffects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side_effect", name),
		attribute.String("result", result),
	))
}
