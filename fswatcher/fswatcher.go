// Package fswatcher reloads the key material of a TLS context when its files
// change on disk.
package fswatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ScopeName = "github.com/cloudflare/sslmanager/fswatcher"

// Target is the reloadable context a Sentry watches, usually a
// *sslmanager.Context.
type Target interface {
	Reload() error
	CertificateFile() string
	PrivateKeyFile() string
	CALocation() string
}

// Sentry watches the files of a Target.
type Sentry struct {
	fsnotify *fsnotify.Watcher
	target   Target
	files    map[string]struct{}
	caDir    string
	errBack  func(error)
	reloads  metric.Int64Counter
}

// New creates a Sentry watching the directories holding the target's
// certificate, private key and CA location. Watching the directory rather
// than the file keeps the watch alive across rename-based updates.
func New(target Target, opts ...Option) (*Sentry, error) {
	cfg := &config{
		MeterProvider: otel.GetMeterProvider(),
		Logger:        logr.Discard(),
		ErrBack:       func(error) {},
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

	files := make(map[string]struct{})
	for _, name := range []string{target.CertificateFile(), target.PrivateKeyFile(), target.CALocation()} {
		if name != "" {
			files[filepath.Clean(name)] = struct{}{}
		}
	}

	// A CA directory is watched itself; any file change inside it counts.
	var caDir string
	if ca := target.CALocation(); ca != "" {
		if info, err := os.Stat(ca); err == nil && info.IsDir() {
			caDir = filepath.Clean(ca)
			delete(files, caDir)
		}
	}
	if len(files) == 0 && caDir == "" {
		return nil, fmt.Errorf("fswatcher: target has no files to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatcher: error creating watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	if caDir != "" {
		dirs[caDir] = struct{}{}
	}
	for name := range files {
		dirs[filepath.Dir(name)] = struct{}{}
	}

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close() // nolint: errcheck
			return nil, fmt.Errorf("fswatcher: error adding path to watcher: %w", err)
		}
		cfg.Logger.V(1).Info("watching directory", "path", dir)
	}

	return &Sentry{
		fsnotify: watcher,
		target:   target,
		files:    files,
		caDir:    caDir,
		errBack:  cfg.ErrBack,
		reloads:  reloads,
	}, nil
}

// Start reloads the target on every change to a watched file until ctx is
// done, then closes the underlying watcher.
func (w *Sentry) Start(ctx context.Context) error {
	defer w.fsnotify.Close() // nolint: errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsnotify.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return nil
			}
			w.errBack(err)
		}
	}
}

func (w *Sentry) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.caDir != "" && filepath.Dir(name) == w.caDir {
		return true
	}
	_, ok := w.files[name]
	return ok
}

func (w *Sentry) reload(ctx context.Context) {
	result := "success"
	if err := w.target.Reload(); err != nil {
		result = "failure"
		w.errBack(err)
	}
	w.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
