// Package ticker reloads the key material of a TLS context at a regular
// interval. This provides a reasonable alternative for environments not
// supported by the fsnotify package.
package ticker

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ScopeName = "github.com/cloudflare/sslmanager/ticker"

// Reloader is implemented by *sslmanager.Context.
type Reloader interface {
	Reload() error
}

// Sentinel reloads a target every interval.
type Sentinel struct {
	target   Reloader
	duration time.Duration
	clock    clockwork.Clock
	reloads  metric.Int64Counter
}

func New(target Reloader, duration time.Duration, opts ...Option) (*Sentinel, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("ticker: non-positive interval %s", duration)
	}

	cfg := &config{
		MeterProvider: otel.GetMeterProvider(),
		Clock:         clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	meter := cfg.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion("0.1.0"),
	)

	reloads, err := meter.Int64Counter(
		"certificate.reloads",
		metric.WithDescription("Reloads of the watched key material, by result"),
	)
	if err != nil {
		return nil, err
	}

	return &Sentinel{
		target:   target,
		duration: duration,
		clock:    cfg.Clock,
		reloads:  reloads,
	}, nil
}

// Start reloads the target on every tick. It returns the first reload
// error, or ctx.Err() once ctx is done.
func (w *Sentinel) Start(ctx context.Context) error {
	t := w.clock.NewTicker(w.duration)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			if err := w.target.Reload(); err != nil {
				w.record(ctx, "failure")
				return fmt.Errorf("unable to reload: %w", err)
			}
			w.record(ctx, "success")
		}
	}
}

func (w *Sentinel) record(ctx context.Context, result string) {
	w.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
