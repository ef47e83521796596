package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/heraldmail/herald/job"
)

// meterName is the instrumentation scope name for herald metrics.
const meterName = "github.com/heraldmail/herald"

// Metrics returns middleware that records per-send metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - herald.send.duration (Float64Histogram): delivery time in seconds,
//     with attributes: tenant_id, queue, status ("ok" or "error")
//   - herald.send.total (Int64Counter): total delivery attempts,
//     with attributes: tenant_id, queue, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"herald.send.duration",
		metric.WithDescription("Duration of email delivery in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	sends, sErr := meter.Int64Counter(
		"herald.send.total",
		metric.WithDescription("Total number of delivery attempts"),
		metric.WithUnit("{send}"),
	)
	_ = sErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("tenant_id", j.TenantID),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		sends.Add(ctx, 1, attrs)

		return err
	}
}
