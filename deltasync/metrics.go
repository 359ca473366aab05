package deltasync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const scopeName = "github.com/bronystylecrazy/ultrasync/deltasync"

type syncMetrics struct {
	syncs  metric.Int64Counter
	tracer trace.Tracer
}

func newSyncMetrics(mp metric.MeterProvider, tp trace.TracerProvider, log *zap.Logger) syncMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m := syncMetrics{tracer: tp.Tracer(scopeName)}
	var err error
	if m.syncs, err = mp.Meter(scopeName).Int64Counter("deltasync.syncs",
		metric.WithDescription("Sync runs by method and outcome.")); err != nil {
		log.Warn("deltasync metric unavailable", zap.String("name", "deltasync.syncs"), zap.Error(err))
	}
	return m
}

func (m syncMetrics) sync(method Method, result string) {
	if m.syncs == nil {
		return
	}
	m.syncs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("method", method.String()),
		attribute.String("result", result),
	))
}
