package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "payment-outbox.outbox"

type dispatcherMetrics struct {
	messagesCompleted metric.Int64Counter
	messagesRetried   metric.Int64Counter
	messagesFailed    metric.Int64Counter
	claimConflicts    metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	messagesPurged    metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	queueDepth        metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName + ".dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.messagesCompleted, "outbox.messages.completed", "Number of outbox messages completed by the dispatcher"},
		{&metrics.messagesRetried, "outbox.messages.retried", "Number of outbox messages rescheduled after a failed attempt"},
		{&metrics.messagesFailed, "outbox.messages.failed", "Number of outbox messages that reached the retry ceiling"},
		{&metrics.claimConflicts, "outbox.messages.claim_conflicts", "Number of claims lost to another dispatcher"},
		{&metrics.stateUpdateFailed, "outbox.messages.state_update_failed", "Number of outbox state writes that failed after an attempt"},
		{&metrics.messagesPurged, "outbox.messages.purged", "Number of outbox messages deleted after their TTL"},
	}

	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{message}"),
		)
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", counter.name, err)
		}
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per drain cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of due outbox messages fetched in a drain cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}

type acknowledgmentMetrics struct {
	completed metric.Int64Counter
	duplicate metric.Int64Counter
	unknown   metric.Int64Counter
}

func newAcknowledgmentMetrics(provider metric.MeterProvider) (acknowledgmentMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName + ".acknowledgment")

	var (
		metrics acknowledgmentMetrics
		err     error
	)

	metrics.completed, err = meter.Int64Counter("outbox.acknowledgments.completed",
		metric.WithDescription("Acknowledgments that completed an outbox message"), metric.WithUnit("{ack}"))
	if err != nil {
		return acknowledgmentMetrics{}, fmt.Errorf("create outbox.acknowledgments.completed counter: %w", err)
	}

	metrics.duplicate, err = meter.Int64Counter("outbox.acknowledgments.duplicate",
		metric.WithDescription("Acknowledgments for already completed messages"), metric.WithUnit("{ack}"))
	if err != nil {
		return acknowledgmentMetrics{}, fmt.Errorf("create outbox.acknowledgments.duplicate counter: %w", err)
	}

	metrics.unknown, err = meter.Int64Counter("outbox.acknowledgments.unknown",
		metric.WithDescription("Acknowledgments for messages absent from the store"), metric.WithUnit("{ack}"))
	if err != nil {
		return acknowledgmentMetrics{}, fmt.Errorf("create outbox.acknowledgments.unknown counter: %w", err)
	}

	return metrics, nil
}
