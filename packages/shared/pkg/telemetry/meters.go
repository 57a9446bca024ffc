package telemetry

import "go.opentelemetry.io/otel/metric"

type (
	CounterType                 string
	ObservableUpDownCounterType string
)

const (
	DeltaChangedBytesCounterName  CounterType = "memsync.delta.changed_bytes"
	DeltaPassesCounterName        CounterType = "memsync.delta.passes"
	DeltaPagesLostCounterName     CounterType = "memsync.delta.pages_lost"
	ReconcilePagesCounterName     CounterType = "memsync.reconcile.pages_applied"
	ReconcileFailuresCounterName  CounterType = "memsync.reconcile.pages_failed"
	MessagesPublishedCounterName  CounterType = "memsync.bus.messages_published"
	MessagesBytesCounterName      CounterType = "memsync.bus.bytes_published"
	MessagesDroppedCounterName    CounterType = "memsync.bus.messages_dropped"
	SignatureScanMatchesMeterName CounterType = "memsync.signature.matches"
)

const (
	MonitoredPagesMeterName ObservableUpDownCounterType = "memsync.pages.monitored"
	BaselinePagesMeterName  ObservableUpDownCounterType = "memsync.pages.baseline"
)

var counterDesc = map[CounterType]string{
	DeltaChangedBytesCounterName:  "Number of bytes found changed by delta detection.",
	DeltaPassesCounterName:        "Number of delta detection passes.",
	DeltaPagesLostCounterName:     "Number of pages dropped from monitoring after a failed read.",
	ReconcilePagesCounterName:     "Number of pages written while applying sync messages.",
	ReconcileFailuresCounterName:  "Number of pages that could not be read or written while applying sync messages.",
	MessagesPublishedCounterName:  "Number of sync messages published to the bus.",
	MessagesBytesCounterName:      "Number of encoded bytes published to the bus.",
	MessagesDroppedCounterName:    "Number of received sync messages that were not applied.",
	SignatureScanMatchesMeterName: "Number of signatures resolved by scans.",
}

var counterUnits = map[CounterType]string{
	DeltaChangedBytesCounterName:  "{By}",
	DeltaPassesCounterName:        "{pass}",
	DeltaPagesLostCounterName:     "{page}",
	ReconcilePagesCounterName:     "{page}",
	ReconcileFailuresCounterName:  "{page}",
	MessagesPublishedCounterName:  "{message}",
	MessagesBytesCounterName:      "{By}",
	MessagesDroppedCounterName:    "{message}",
	SignatureScanMatchesMeterName: "{signature}",
}

var observableUpDownCounterDesc = map[ObservableUpDownCounterType]string{
	MonitoredPagesMeterName: "Number of pages in the monitored set.",
	BaselinePagesMeterName:  "Number of pages with a baseline entry.",
}

var observableUpDownCounterUnits = map[ObservableUpDownCounterType]string{
	MonitoredPagesMeterName: "{page}",
	BaselinePagesMeterName:  "{page}",
}

func GetCounter(meter metric.Meter, name CounterType) (metric.Int64Counter, error) {
	desc := counterDesc[name]
	unit := counterUnits[name]

	return meter.Int64Counter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}

func GetObservableUpDownCounter(meter metric.Meter, name ObservableUpDownCounterType) (metric.Int64ObservableUpDownCounter, error) {
	desc := observableUpDownCounterDesc[name]
	unit := observableUpDownCounterUnits[name]

	return meter.Int64ObservableUpDownCounter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}
