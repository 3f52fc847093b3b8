package sslmanager

import (
	"context"
	"crypto/x509"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	ScopeName = "github.com/cloudflare/sslmanager"
	version   = "0.1.0"
)

type instruments struct {
	initializations    metric.Int64Counter
	verificationErrors metric.Int64Counter
}

func (m *Manager) registerMetrics(provider metric.MeterProvider) error {
	meter := provider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(version),
	)

	var err error
	m.metrics.initializations, err = meter.Int64Counter(
		"sslmanager.context.initializations",
		metric.WithDescription("Default contexts installed, by role and by whether the context was supplied by the caller"),
	)
	if err != nil {
		return err
	}

	m.metrics.verificationErrors, err = meter.Int64Counter(
		"sslmanager.verification.errors",
		metric.WithDescription("Peer certificates that failed verification, by role and by whether an observer ignored the failure"),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(
		"certificate.not_before_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the certificate is valid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(m.observeNotBefore),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(
		"certificate.not_after_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the certificate is invalid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(m.observeNotAfter),
	)
	return err
}

func (m *Manager) recordInitialization(role Role, source string) {
	m.metrics.initializations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", role.String()),
		attribute.String("source", source),
	))
}

func (m *Manager) recordVerificationError(args *VerificationErrorArgs) {
	m.metrics.verificationErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", args.Role.String()),
		attribute.Bool("ignored", args.Ignore),
	))
}

// serverLeaf returns the certificate of the installed default server
// context without initializing one.
func (m *Manager) serverLeaf() (*Context, *x509.Certificate) {
	ctx := m.provider.DefaultContext(RoleServer)
	if ctx == nil {
		return nil, nil
	}
	cert := ctx.Certificate()
	if cert == nil {
		return nil, nil
	}
	return ctx, cert.Leaf
}

func (m *Manager) observeNotBefore(_ context.Context, io metric.Int64Observer) error {
	if ctx, leaf := m.serverLeaf(); leaf != nil {
		io.Observe(leaf.NotBefore.Unix(), certificateAttributes(ctx, leaf))
	}
	return nil
}

func (m *Manager) observeNotAfter(_ context.Context, io metric.Int64Observer) error {
	if ctx, leaf := m.serverLeaf(); leaf != nil {
		io.Observe(leaf.NotAfter.Unix(), certificateAttributes(ctx, leaf))
	}
	return nil
}

func certificateAttributes(ctx *Context, leaf *x509.Certificate) metric.ObserveOption {
	return metric.WithAttributes(
		attribute.String("certificate.serial", leaf.SerialNumber.String()),
		attribute.String("certificate.path", ctx.CertificateFile()),
	)
}
