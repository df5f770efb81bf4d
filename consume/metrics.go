package consume

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/glimte/amqpull/consume"

	acceptedCounterName   = "amqpull.dispatch.accepted"
	rejectedCounterName   = "amqpull.dispatch.rejected"
	unroutableCounterName = "amqpull.dispatch.unroutable"
	timeoutCounterName    = "amqpull.consumer.timeouts"
)

type dispatchMetrics struct {
	accepted   metric.Int64Counter
	rejected   metric.Int64Counter
	unroutable metric.Int64Counter
	timeouts   metric.Int64Counter
}

func newDispatchMetrics(meter metric.Meter) (*dispatchMetrics, error) {
	metrics := new(dispatchMetrics)
	var err error

	if metrics.accepted, err = meter.Int64Counter(
		acceptedCounterName,
		metric.WithDescription("The total number of deliveries buffered in a consumer mailbox"),
	); err != nil {
		return nil, fmt.Errorf("failed to create accepted count instrument, %v", err)
	}

	if metrics.rejected, err = meter.Int64Counter(
		rejectedCounterName,
		metric.WithDescription("The total number of deliveries rejected and requeued"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rejected count instrument, %v", err)
	}

	if metrics.unroutable, err = meter.Int64Counter(
		unroutableCounterName,
		metric.WithDescription("The total number of deliveries addressed to an unknown consumer"),
	); err != nil {
		return nil, fmt.Errorf("failed to create unroutable count instrument, %v", err)
	}

	if metrics.timeouts, err = meter.Int64Counter(
		timeoutCounterName,
		metric.WithDescription("The total number of fetches that timed out"),
	); err != nil {
		return nil, fmt.Errorf("failed to create timeout count instrument, %v", err)
	}

	return metrics, nil
}
