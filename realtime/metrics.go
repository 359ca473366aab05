package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/bronystylecrazy/ultrasync/realtime"

type providerMetrics struct {
	connections metric.Int64Counter
	errors      metric.Int64Counter
	stale       metric.Int64Counter
}

func newProviderMetrics(mp metric.MeterProvider, log *zap.Logger) providerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	var m providerMetrics
	var err error
	if m.connections, err = meter.Int64Counter("realtime.connections",
		metric.WithDescription("Physical connect attempts.")); err != nil {
		log.Warn("realtime metric unavailable", zap.String("name", "realtime.connections"), zap.Error(err))
	}
	if m.errors, err = meter.Int64Counter("realtime.errors",
		metric.WithDescription("Error events emitted to listeners.")); err != nil {
		log.Warn("realtime metric unavailable", zap.String("name", "realtime.errors"), zap.Error(err))
	}
	if m.stale, err = meter.Int64Counter("realtime.stale_disconnects",
		metric.WithDescription("Connections dropped for missing keep-alives.")); err != nil {
		log.Warn("realtime metric unavailable", zap.String("name", "realtime.stale_disconnects"), zap.Error(err))
	}
	return m
}

func (m providerMetrics) connect() {
	if m.connections != nil {
		m.connections.Add(context.Background(), 1)
	}
}

func (m providerMetrics) error(kind string) {
	if m.errors != nil {
		m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m providerMetrics) staleDisconnect() {
	if m.stale != nil {
		m.stale.Add(context.Background(), 1)
	}
}
