// Package telemetry installs OpenTelemetry tracing for the sync engine.
//
// Tracing is opt-in. Until Init is called with Enabled set, the global
// tracer provider stays the OpenTelemetry no-op and spans created by the
// coordinator, the remote client and the connectivity probe go nowhere.
// Spans are only ever written to a local writer; nothing is transmitted.
package telemetry

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/wardrobekit/backend/internal/logging"
)

// Config controls tracing.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Writer receives exported spans as JSON. Defaults to stderr.
	Writer io.Writer
}

var enabled atomic.Bool

// IsEnabled reports whether Init installed a tracer provider.
func IsEnabled() bool {
	return enabled.Load()
}

// Init configures the global tracer provider and returns a shutdown func
// that flushes pending spans. With tracing disabled it does nothing and the
// shutdown func is a no-op.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wardrobe-sync"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(200*time.Millisecond),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	enabled.Store(true)
	logging.Info("tracing enabled", map[string]interface{}{"service": cfg.ServiceName})

	return func(ctx context.Context) error {
		enabled.Store(false)
		return tp.Shutdown(ctx)
	}, nil
}
