// Package telemetry holds the OpenTelemetry instruments of the sync layer.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/damien-schneider/reflect-os"
)

// Metrics holds the metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	MutationsTotal       metric.Int64Counter
	QueriesTotal         metric.Int64Counter
	QuotaRejectionsTotal metric.Int64Counter
	WebhookEventsTotal   metric.Int64Counter
	ReconcileTotal       metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the Metrics bound to the global meter provider.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = New(otel.GetMeterProvider())
	})
	return metrics
}

// New creates instruments on provider.
func New(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter(meterName)

	m := &Metrics{}

	m.MutationsTotal, _ = meter.Int64Counter(
		"reflect.mutations.total",
		metric.WithDescription("Replayed mutator invocations by name and outcome"),
		metric.WithUnit("{invocation}"),
	)

	m.QueriesTotal, _ = meter.Int64Counter(
		"reflect.queries.total",
		metric.WithDescription("Resolved named queries by name and outcome"),
		metric.WithUnit("{query}"),
	)

	m.QuotaRejectionsTotal, _ = meter.Int64Counter(
		"reflect.quota.rejections.total",
		metric.WithDescription("Mutations rejected by the resource limit gate"),
		metric.WithUnit("{rejection}"),
	)

	m.WebhookEventsTotal, _ = meter.Int64Counter(
		"reflect.billing.webhook.events.total",
		metric.WithDescription("Billing webhook deliveries by event type and outcome"),
		metric.WithUnit("{event}"),
	)

	m.ReconcileTotal, _ = meter.Int64Counter(
		"reflect.billing.reconcile.total",
		metric.WithDescription("Manual billing reconciliations by outcome"),
		metric.WithUnit("{reconcile}"),
	)

	return m
}

func (m *Metrics) RecordMutation(ctx context.Context, name, outcome string) {
	if m == nil || m.MutationsTotal == nil {
		return
	}
	m.MutationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mutator", name),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordQuery(ctx context.Context, name, outcome string) {
	if m == nil || m.QueriesTotal == nil {
		return
	}
	m.QueriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("query", name),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordQuotaRejection(ctx context.Context, resource, tier string) {
	if m == nil || m.QuotaRejectionsTotal == nil {
		return
	}
	m.QuotaRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("tier", tier),
	))
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil || m.WebhookEventsTotal == nil {
		return
	}
	m.WebhookEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordReconcile(ctx context.Context, outcome string) {
	if m == nil || m.ReconcileTotal == nil {
		return
	}
	m.ReconcileTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
