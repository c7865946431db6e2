package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter kinds.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ExporterConfig selects a span exporter.
type ExporterConfig struct {
	Kind     string
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// Writer receives stdout spans. Nil means os.Stdout.
	Writer io.Writer
}

// ExporterOptions returns the provider options that batch spans into the configured
// exporter. Kind none (or empty) yields no options, leaving spans unshipped.
func ExporterOptions(ctx context.Context, cfg ExporterConfig) ([]sdktrace.TracerProviderOption, error) {
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, nil
	}
	return []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}, nil
}

func newExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		opts := []stdouttrace.Option{}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		// Without an endpoint the exporter reads OTEL_EXPORTER_OTLP_ENDPOINT.
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Kind)
	}
}
