package ticker

import (
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
)

type config struct {
	MeterProvider metric.MeterProvider
	Clock         clockwork.Clock
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(cfg *config) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	})
}

// WithClock replaces the clock driving the reload interval.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(cfg *config) {
		if clock != nil {
			cfg.Clock = clock
		}
	})
}
