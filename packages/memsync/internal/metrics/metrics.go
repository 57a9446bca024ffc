package metrics

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

const meterName = "github.com/e2b-dev/memsync/packages/memsync"

// Metrics holds the instruments describing a sync session.
type Metrics struct {
	meter metric.Meter

	changedBytes      metric.Int64Counter
	passes            metric.Int64Counter
	pagesLost         metric.Int64Counter
	reconcilePages    metric.Int64Counter
	reconcileFailures metric.Int64Counter
	published         metric.Int64Counter
	publishedBytes    metric.Int64Counter
	dropped           metric.Int64Counter
	signatureMatches  metric.Int64Counter

	monitoredPages metric.Int64ObservableUpDownCounter
	baselinePages  metric.Int64ObservableUpDownCounter
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	m := &Metrics{meter: meter}

	var errs []error
	counter := func(name telemetry.CounterType) metric.Int64Counter {
		c, err := telemetry.GetCounter(meter, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", name, err))
		}

		return c
	}

	m.changedBytes = counter(telemetry.DeltaChangedBytesCounterName)
	m.passes = counter(telemetry.DeltaPassesCounterName)
	m.pagesLost = counter(telemetry.DeltaPagesLostCounterName)
	m.reconcilePages = counter(telemetry.ReconcilePagesCounterName)
	m.reconcileFailures = counter(telemetry.ReconcileFailuresCounterName)
	m.published = counter(telemetry.MessagesPublishedCounterName)
	m.publishedBytes = counter(telemetry.MessagesBytesCounterName)
	m.dropped = counter(telemetry.MessagesDroppedCounterName)
	m.signatureMatches = counter(telemetry.SignatureScanMatchesMeterName)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNoop returns instruments that record nothing.
func NewNoop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}

	return m
}

// ObservePages reports the sizes of the monitored set and the baseline on every collection.
// Unregister the returned registration when the session ends.
func (m *Metrics) ObservePages(monitored, baseline func() int) (metric.Registration, error) {
	var err error

	m.monitoredPages, err = telemetry.GetObservableUpDownCounter(m.meter, telemetry.MonitoredPagesMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitored pages counter: %w", err)
	}

	m.baselinePages, err = telemetry.GetObservableUpDownCounter(m.meter, telemetry.BaselinePagesMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline pages counter: %w", err)
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.monitoredPages, int64(monitored()))
		o.ObserveInt64(m.baselinePages, int64(baseline()))

		return nil
	}, m.monitoredPages, m.baselinePages)
}

func (m *Metrics) DeltaPass(ctx context.Context, changedBytes int) {
	m.passes.Add(ctx, 1)

	if changedBytes > 0 {
		m.changedBytes.Add(ctx, int64(changedBytes))
	}
}

func (m *Metrics) PageLost(ctx context.Context) {
	m.pagesLost.Add(ctx, 1)
}

func (m *Metrics) Reconciled(ctx context.Context, kind string, applied, failed int) {
	attrs := metric.WithAttributes(attribute.String("message.type", kind))

	m.reconcilePages.Add(ctx, int64(applied), attrs)

	if failed > 0 {
		m.reconcileFailures.Add(ctx, int64(failed), attrs)
	}
}

func (m *Metrics) Published(ctx context.Context, topic string, size int) {
	attrs := metric.WithAttributes(attribute.String("bus.topic", topic))

	m.published.Add(ctx, 1, attrs)
	m.publishedBytes.Add(ctx, int64(size), attrs)
}

func (m *Metrics) Dropped(ctx context.Context, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) SignaturesMatched(ctx context.Context, count int) {
	m.signatureMatches.Add(ctx, int64(count))
}
