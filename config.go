package sslmanager

import (
	"fmt"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

type config struct {
	Logger            logr.Logger
	MeterProvider     metric.MeterProvider
	Resolver          DataPathResolver
	SearchDirs        []string
	ClientMode        VerificationMode
	ServerMode        VerificationMode
	VerificationDepth int
	LoadDefaultCAs    bool
}

func newConfig(opts []Option) *config {
	cfg := &config{
		Logger:        stdr.New(log.New(os.Stderr, "", log.LstdFlags)),
		MeterProvider: otel.GetMeterProvider(),
		Resolver:      DefaultDataDir(),
		ClientMode:    VerifyRelaxed,
		ServerMode:    VerifyRelaxed,
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	return cfg
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithLogger sets the logger. Warnings are logged at V(0), diagnostics about
// redundant initialization at V(1).
func WithLogger(logger logr.Logger) Option {
	return optionFunc(func(cfg *config) {
		cfg.Logger = logger
	})
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(cfg *config) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	})
}

// WithDataPathResolver sets how resource names map to data paths.
func WithDataPathResolver(resolver DataPathResolver) Option {
	return optionFunc(func(cfg *config) {
		if resolver != nil {
			cfg.Resolver = resolver
		}
	})
}

// WithDataDir resolves resource names against dir.
func WithDataDir(dir string) Option {
	return WithDataPathResolver(DataDir(dir))
}

// WithSearchDirs sets the ordered directories searched for the CA bundle
// when it is missing from the data directory.
func WithSearchDirs(dirs ...string) Option {
	return optionFunc(func(cfg *config) {
		cfg.SearchDirs = append([]string(nil), dirs...)
	})
}

func WithClientVerificationMode(mode VerificationMode) Option {
	return optionFunc(func(cfg *config) {
		cfg.ClientMode = mode
	})
}

func WithServerVerificationMode(mode VerificationMode) Option {
	return optionFunc(func(cfg *config) {
		cfg.ServerMode = mode
	})
}

func WithVerificationDepth(depth int) Option {
	return optionFunc(func(cfg *config) {
		cfg.VerificationDepth = depth
	})
}

// WithDefaultCAs adds the system roots to the trust pool of default contexts.
func WithDefaultCAs(load bool) Option {
	return optionFunc(func(cfg *config) {
		cfg.LoadDefaultCAs = load
	})
}

// Config is the externally loadable form of the Manager options.
type Config struct {
	DataDir                string           `env:"DATA_DIR" yaml:"data_dir"`
	SearchDirs             []string         `env:"SEARCH_DIRS" envSeparator:":" yaml:"search_dirs"`
	ClientVerificationMode VerificationMode `env:"CLIENT_VERIFICATION_MODE" envDefault:"VERIFY_RELAXED" yaml:"client_verification_mode"`
	ServerVerificationMode VerificationMode `env:"SERVER_VERIFICATION_MODE" envDefault:"VERIFY_RELAXED" yaml:"server_verification_mode"`
	VerificationDepth      int              `env:"VERIFICATION_DEPTH" envDefault:"9" yaml:"verification_depth"`
	LoadDefaultCAs         bool             `env:"LOAD_DEFAULT_CAS" yaml:"load_default_cas"`
}

// DefaultConfig matches the defaults of New.
func DefaultConfig() Config {
	return Config{
		ClientVerificationMode: VerifyRelaxed,
		ServerVerificationMode: VerifyRelaxed,
		VerificationDepth:      DefaultVerificationDepth,
	}
}

// LoadConfigFromEnv reads a Config from environment variables carrying
// prefix, e.g. "SSLMANAGER_" for SSLMANAGER_DATA_DIR.
func LoadConfigFromEnv(prefix string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("unable to load config from environment: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML Config. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Options converts the Config to Manager options.
func (c Config) Options() []Option {
	opts := []Option{
		WithSearchDirs(c.SearchDirs...),
		WithClientVerificationMode(c.ClientVerificationMode),
		WithServerVerificationMode(c.ServerVerificationMode),
		WithVerificationDepth(c.VerificationDepth),
		WithDefaultCAs(c.LoadDefaultCAs),
	}
	if c.DataDir != "" {
		opts = append(opts, WithDataDir(c.DataDir))
	}
	return opts
}
