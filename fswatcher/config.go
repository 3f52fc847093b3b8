package fswatcher

import (
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
)

type config struct {
	MeterProvider metric.MeterProvider
	Logger        logr.Logger
	ErrBack       func(error)
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

func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(cfg *config) {
		cfg.Logger = logger
	})
}

// WithErrorCallback sets a function receiving reload and watcher errors.
// Errors never stop the Sentry.
func WithErrorCallback(errBack func(error)) Option {
	return optionFunc(func(cfg *config) {
		if errBack != nil {
			cfg.ErrBack = errBack
		}
	})
}
