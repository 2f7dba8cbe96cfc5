package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelConfig configures the OpenTelemetry recorder.
type OTelConfig struct {
	MeterName    string
	MeterVersion string
	Attributes   []attribute.KeyValue
}

// DefaultOTelConfig returns the default meter identity.
func DefaultOTelConfig() OTelConfig {
	return OTelConfig{
		MeterName:    "github.com/goliatone/go-relato",
		MeterVersion: "1.0.0",
	}
}

// OTel records measurements with OpenTelemetry instruments from the global
// meter provider.
type OTel struct {
	attrs []attribute.KeyValue

	decisions      metric.Int64Counter
	effects        metric.Int64Counter
	retryDecisions metric.Int64Counter
	sweepItems     metric.Int64Counter
	effectDuration metric.Float64Histogram
	sweepDuration  metric.Float64Histogram
}

// NewOTel creates the instruments. It fails when the meter rejects one.
func NewOTel(config OTelConfig) (*OTel, error) {
	if config.MeterName == "" {
		defaults := DefaultOTelConfig()
		config.MeterName = defaults.MeterName
		if config.MeterVersion == "" {
			config.MeterVersion = defaults.MeterVersion
		}
	}
	meter := otel.GetMeterProvider().Meter(
		config.MeterName,
		metric.WithInstrumentationVersion(config.MeterVersion),
	)

	o := &OTel{attrs: config.Attributes}
	var err error

	if o.decisions, err = meter.Int64Counter(
		"relato.lifecycle.decisions",
		metric.WithDescription("Number of lifecycle decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if o.effects, err = meter.Int64Counter(
		"relato.effect.outcomes",
		metric.WithDescription("Number of recorded effect outcomes"),
		metric.WithUnit("{outcome}"),
	); err != nil {
		return nil, err
	}
	if o.retryDecisions, err = meter.Int64Counter(
		"relato.retry.decisions",
		metric.WithDescription("Number of retry policy decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if o.sweepItems, err = meter.Int64Counter(
		"relato.retry.sweep.items",
		metric.WithDescription("Number of facts handled by retry sweeps"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if o.effectDuration, err = meter.Float64Histogram(
		"relato.effect.duration",
		metric.WithDescription("Effect handler duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if o.sweepDuration, err = meter.Float64Histogram(
		"relato.retry.sweep.duration",
		metric.WithDescription("Retry sweep duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTel) RecordDecision(ctx context.Context, intent string, allowed bool) {
	o.decisions.Add(ctx, 1, o.with(
		attribute.String("intent", intent),
		attribute.Bool("allowed", allowed),
	))
}

func (o *OTel) RecordEffect(ctx context.Context, kind, status string, duration time.Duration) {
	opts := o.with(
		attribute.String("effect_type", kind),
		attribute.String("status", status),
	)
	o.effects.Add(ctx, 1, opts)
	o.effectDuration.Record(ctx, float64(duration.Milliseconds()), opts)
}

func (o *OTel) RecordRetryDecision(ctx context.Context, category string, retry bool) {
	o.retryDecisions.Add(ctx, 1, o.with(
		attribute.String("category", category),
		attribute.Bool("retry", retry),
	))
}

func (o *OTel) RecordSweep(ctx context.Context, stats SweepStats) {
	o.sweepItems.Add(ctx, int64(stats.Resubmitted), o.with(attribute.String("result", "resubmitted")))
	o.sweepItems.Add(ctx, int64(stats.Aborted), o.with(attribute.String("result", "aborted")))
	o.sweepItems.Add(ctx, int64(stats.Failed), o.with(attribute.String("result", "failed")))
	o.sweepDuration.Record(ctx, float64(stats.Duration.Milliseconds()), o.with())
}

func (o *OTel) with(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(o.attrs)+len(extra))
	attrs = append(attrs, o.attrs...)
	attrs = append(attrs, extra...)
	return metric.WithAttributes(attrs...)
}
