// Package telemetry настраивает трейсинг OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup включает экспорт спанов по OTLP/HTTP на endpoint.
//
// Пустой endpoint — трейсинг выключен: глобальный провайдер не ставится,
// спаны хранилища уходят в no-op. Возвращённую shutdown нужно вызвать
// при остановке, она досылает накопленные спаны.
func Setup(ctx context.Context, endpoint, serviceName, env string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		log.Debug("Трейсинг выключен (OTEL_EXPORTER_OTLP_ENDPOINT пуст)")
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, fmt.Errorf("ошибка создания OTLP-экспортёра: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", env),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("ошибка описания ресурса: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.WithField("endpoint", endpoint).Info("Трейсинг OpenTelemetry включён")
	return tp.Shutdown, nil
}
