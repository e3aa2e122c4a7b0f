package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/config"
)

var (
	counter metric.Int64Counter
	hist    metric.Int64Histogram
)

func initMeters(ctx context.Context, cfg *config.Config) error {
	meter := otel.Meter(
		"broker/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)

	var err error

	counter, err = meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	hist, err = meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	return nil
}

// withTelemetry wraps a handler with per-request logging context, tracing
// and the request meters.
func withTelemetry(cfg *config.Config, operation string, next http.HandlerFunc) http.HandlerFunc {
	traceAttrs := otlp.CreateAttributesFrom(cfg.Application,
		attribute.String(commoncfg.AttrOperation, operation),
	)
	tracer := otel.Tracer(operation, trace.WithInstrumentationAttributes(traceAttrs...))

	return func(w http.ResponseWriter, r *http.Request) {
		// Request id is propagated through all method calls of this handler.
		ctx := slogctx.With(r.Context(),
			commoncfg.AttrRequestID, uuid.NewString(),
			commoncfg.AttrOperation, operation,
		)

		parentCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(parentCtx, operation+"-span", trace.WithAttributes(traceAttrs...))
		defer span.End()

		requestStartTime := time.Now()

		defer func() {
			elapsedTime := time.Since(requestStartTime)

			attrs := metric.WithAttributes(
				otlp.CreateAttributesFrom(cfg.Application,
					attribute.String("userAgent", r.UserAgent()),
					attribute.String(commoncfg.AttrOperation, operation),
				)...,
			)

			counter.Add(ctx, 1, attrs)
			hist.Record(ctx, elapsedTime.Milliseconds(), attrs)
		}()

		slogctx.Info(ctx, fmt.Sprintf("Processing %s request", operation))
		next(w, r.WithContext(ctx))
		slogctx.Info(ctx, fmt.Sprintf("Finished %s request", operation))
	}
}
