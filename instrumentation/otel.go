package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/mkerrin/gconsume"

// Telemetry holds the OpenTelemetry instruments backing an
// OTelInstrumenter. When no providers are configured, every instrument
// is a noop with zero overhead, matching the teacher library's stance
// on optional telemetry.
type Telemetry struct {
	Tracer trace.Tracer

	CallbackDuration metric.Float64Histogram
	CallbacksTotal    metric.Int64Counter
	CallbackFailures metric.Int64Counter
}

// NewTelemetry builds a Telemetry from optional providers, defaulting
// to noop implementations for whichever is nil.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	callbackDuration, err := meter.Float64Histogram(
		"consumer.callback.duration",
		metric.WithDescription("Duration of user callback invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create callback duration histogram: %w", err)
	}

	callbacksTotal, err := meter.Int64Counter(
		"consumer.callback.count",
		metric.WithDescription("User callback invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create callback counter: %w", err)
	}

	callbackFailures, err := meter.Int64Counter(
		"consumer.callback.failures",
		metric.WithDescription("User callback invocations that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("create callback failure counter: %w", err)
	}

	return &Telemetry{
		Tracer:           tracer,
		CallbackDuration: callbackDuration,
		CallbacksTotal:    callbacksTotal,
		CallbackFailures: callbackFailures,
	}, nil
}

// OTelInstrumenter implements Instrumenter with OpenTelemetry spans and
// metrics, grounded on the teacher's span-then-call-then-record pattern
// (runner/common.go's processRecordWithRetry).
type OTelInstrumenter struct {
	tel *Telemetry
}

var _ Instrumenter = (*OTelInstrumenter)(nil)

func NewOTelInstrumenter(tel *Telemetry) *OTelInstrumenter {
	return &OTelInstrumenter{tel: tel}
}

func (o *OTelInstrumenter) Instrument(
	ctx context.Context, event string, attrs map[string]any, fn func(context.Context) error,
) error {
	start := time.Now()

	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		attributes = append(attributes, toAttribute(k, v))
	}

	ctx, span := o.tel.Tracer.Start(ctx, event, trace.WithAttributes(attributes...))
	defer span.End()

	err := fn(ctx)

	o.tel.CallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	o.tel.CallbackDuration.Record(
		ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("event", event)),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.tel.CallbackFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}

	return err
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case []byte:
		return attribute.String(key, string(v))
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
