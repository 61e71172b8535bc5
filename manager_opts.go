package offline

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	offlinehttp "github.com/meigma/offline/http"
)

// DefaultInstallConcurrency bounds the number of manifest fetches in flight
// during Install.
const DefaultInstallConcurrency = 8

const tracerName = "github.com/meigma/offline"

// Option configures a Manager or a Registration.
type Option func(*options)

type options struct {
	fetcher            Fetcher
	logger             *slog.Logger
	tracerProvider     trace.TracerProvider
	installConcurrency int
}

func defaultOptions() options {
	return options{
		logger:             slog.New(slog.DiscardHandler),
		installConcurrency: DefaultInstallConcurrency,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.fetcher == nil {
		o.fetcher = offlinehttp.NewClient()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.installConcurrency <= 0 {
		o.installConcurrency = DefaultInstallConcurrency
	}
	return o
}

// WithFetcher sets how requests reach the network.
// Defaults to an http.Client with no upstream rewriting.
func WithFetcher(f Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithLogger sets the logger for lifecycle and cache events.
// Defaults to a logger that discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithInstallConcurrency sets how many manifest URLs Install fetches at once.
func WithInstallConcurrency(n int) Option {
	return func(o *options) {
		o.installConcurrency = n
	}
}
