package sslmanager_test

import (
	"crypto/x509"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudflare/sslmanager"
	"github.com/cloudflare/sslmanager/internal/fakeprovider"
	"github.com/cloudflare/sslmanager/internal/pkitest"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

// logSink collects log lines for assertions.
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lines = append(s.lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 1})
}

func (s *logSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func newManager(t *testing.T, provider sslmanager.Provider, opts ...sslmanager.Option) *sslmanager.Manager {
	t.Helper()
	opts = append([]sslmanager.Option{sslmanager.WithLogger(logr.Discard())}, opts...)
	m, err := sslmanager.New(provider, opts...)
	assert.NilError(t, err)
	t.Cleanup(func() { m.Close() }) // nolint: errcheck
	return m
}

func TestInitializeClient_Idempotent(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	assert.NilError(t, m.InitializeClient(nil))
	first := provider.DefaultContext(sslmanager.RoleClient)
	assert.NilError(t, m.InitializeClient(nil))

	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleClient), 1))
	assert.Equal(t, provider.DefaultContext(sslmanager.RoleClient), first)
}

func TestInitializeClient_ExplicitOverrides(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	assert.NilError(t, m.InitializeClient(nil))

	explicit, err := sslmanager.NewContext(sslmanager.RoleClient, sslmanager.ContextParams{
		VerificationMode: sslmanager.VerifyNone,
	})
	assert.NilError(t, err)
	assert.NilError(t, m.InitializeClient(explicit))

	got, err := m.DefaultClientContext()
	assert.NilError(t, err)
	assert.Equal(t, got, explicit)
	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleClient), 1))
}

func TestInitializeClient_ExplicitBeforeDefault(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	explicit, err := sslmanager.NewContext(sslmanager.RoleClient, sslmanager.ContextParams{})
	assert.NilError(t, err)
	assert.NilError(t, m.InitializeClient(explicit))

	got, err := m.DefaultClientContext()
	assert.NilError(t, err)
	assert.Equal(t, got, explicit)
	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleClient), 0))
}

func TestInitializeClient_MissingCA(t *testing.T) {
	t.Parallel()

	logs := &logSink{}
	provider := fakeprovider.New()
	m := newManager(t, provider,
		sslmanager.WithLogger(logs.logger()),
		sslmanager.WithDataDir(t.TempDir()),
		sslmanager.WithSearchDirs(t.TempDir(), t.TempDir()),
	)

	ctx, err := m.DefaultClientContext()
	assert.NilError(t, err)
	assert.Assert(t, ctx != nil)

	calls := provider.Calls(sslmanager.RoleClient)
	assert.Assert(t, is.Len(calls, 1))
	assert.Equal(t, calls[0].Params.CALocation, "")
	assert.Equal(t, calls[0].Params.VerificationMode, sslmanager.VerifyRelaxed)
	assert.Assert(t, logs.contains("CA file not found, client context has no trusted CAs"))
}

func TestClientPaths_SearchOrder(t *testing.T) {
	t.Parallel()

	empty := fs.NewDir(t, "empty")
	defer empty.Remove()
	second := fs.NewDir(t, "second", fs.WithDir("ssl", fs.WithFile("cacert.pem", "second")))
	defer second.Remove()
	third := fs.NewDir(t, "third", fs.WithDir("ssl", fs.WithFile("cacert.pem", "third")))
	defer third.Remove()

	t.Run("fallback", func(t *testing.T) {
		logs := &logSink{}
		m := newManager(t, fakeprovider.New(),
			sslmanager.WithLogger(logs.logger()),
			sslmanager.WithDataDir(empty.Path()),
			sslmanager.WithSearchDirs(empty.Path(), second.Path(), third.Path()),
		)

		paths := m.ClientPaths()
		assert.Equal(t, paths.CALocation, second.Join("ssl", "cacert.pem"))
		assert.Assert(t, logs.contains("using fallback"))
	})

	t.Run("data directory first", func(t *testing.T) {
		m := newManager(t, fakeprovider.New(),
			sslmanager.WithDataDir(third.Path()),
			sslmanager.WithSearchDirs(second.Path()),
		)

		paths := m.ClientPaths()
		assert.Equal(t, paths.CALocation, third.Join("ssl", "cacert.pem"))
		assert.Equal(t, paths.PrivateKeyFile, "")
		assert.Equal(t, paths.CertificateFile, "")
	})
}

func TestServerPaths(t *testing.T) {
	t.Parallel()

	withCA := fs.NewDir(t, "with-ca", fs.WithDir("ssl", fs.WithFile("cacert.pem", "ca")))
	defer withCA.Remove()
	withoutCA := fs.NewDir(t, "without-ca")
	defer withoutCA.Remove()

	m := newManager(t, fakeprovider.New(), sslmanager.WithDataDir(withCA.Path()))
	assert.DeepEqual(t, m.ServerPaths(), sslmanager.Paths{
		PrivateKeyFile:  withCA.Join("ssl", "privateKey.pem"),
		CertificateFile: withCA.Join("ssl", "certificate.pem"),
		CALocation:      withCA.Join("ssl", "cacert.pem"),
	})

	// The server never falls back to the search directories.
	m = newManager(t, fakeprovider.New(),
		sslmanager.WithDataDir(withoutCA.Path()),
		sslmanager.WithSearchDirs(withCA.Path()),
	)
	paths := m.ServerPaths()
	assert.Equal(t, paths.CALocation, "")
	assert.Equal(t, paths.PrivateKeyFile, withoutCA.Join("ssl", "privateKey.pem"))
	assert.Assert(t, filepath.IsAbs(paths.CertificateFile))
}

func TestDefaultServerContext_InitializesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	provider := fakeprovider.New()
	m := newManager(t, provider,
		sslmanager.WithDataDir(dir),
		sslmanager.WithServerVerificationMode(sslmanager.VerifyStrict),
	)

	ctx, err := m.DefaultServerContext()
	assert.NilError(t, err)
	assert.Assert(t, ctx != nil)

	again, err := m.DefaultServerContext()
	assert.NilError(t, err)
	assert.Equal(t, again, ctx)

	calls := provider.Calls(sslmanager.RoleServer)
	assert.Assert(t, is.Len(calls, 1))
	assert.Equal(t, calls[0].Params.PrivateKeyFile, filepath.Join(dir, "ssl", "privateKey.pem"))
	assert.Equal(t, calls[0].Params.CertificateFile, filepath.Join(dir, "ssl", "certificate.pem"))
	assert.Equal(t, calls[0].Params.CALocation, "")
	assert.Equal(t, calls[0].Params.VerificationMode, sslmanager.VerifyStrict)
	assert.Equal(t, calls[0].Params.Events, sslmanager.EventHandler(m))
}

func TestDefaultServerContext_FromFiles(t *testing.T) {
	t.Parallel()

	ca := pkitest.NewAuthority(t, "sslmanager test CA")
	key := pkitest.NewPrivateKey(t)
	dir := fs.NewDir(t, "sslmanager-data",
		fs.WithDir("ssl",
			fs.WithFile("cacert.pem", "", fs.WithBytes(ca.PEM)),
			fs.WithFile("privateKey.pem", "", fs.WithBytes(pkitest.EncodePrivateKey(t, key))),
			fs.WithFile("certificate.pem", "", fs.WithBytes(
				ca.Issue(t, x509.Certificate{SerialNumber: big.NewInt(42)}, key),
			)),
		),
	)
	defer dir.Remove()

	m := newManager(t, sslmanager.NewProvider(), sslmanager.WithDataDir(dir.Path()))

	ctx, err := m.DefaultServerContext()
	assert.NilError(t, err)
	assert.Equal(t, ctx.Role(), sslmanager.RoleServer)
	assert.Equal(t, ctx.CALocation(), dir.Join("ssl", "cacert.pem"))
	assert.DeepEqual(t, ctx.Certificate().Leaf.SerialNumber, big.NewInt(42), cmp.Comparer(pkitest.CmpBigInt))
}

func TestInitializeServer_ErrorLeavesRoleUninitialized(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	provider.Err = fakeprovider.ErrInjected
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	_, err := m.DefaultServerContext()
	assert.ErrorIs(t, err, fakeprovider.ErrInjected)
	assert.Assert(t, provider.DefaultContext(sslmanager.RoleServer) == nil)

	provider.Err = nil
	ctx, err := m.DefaultServerContext()
	assert.NilError(t, err)
	assert.Assert(t, ctx != nil)
	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleServer), 2))
}

func TestInitializeServer_MissingKeyPair(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-missing-keypair")
	defer dir.Remove()

	provider := sslmanager.NewProvider()
	m := newManager(t, provider, sslmanager.WithDataDir(dir.Path()))

	// No keyless fallback: the role stays uninitialized.
	_, err := m.DefaultServerContext()
	assert.ErrorContains(t, err, "unable to create server context")
	assert.Assert(t, provider.DefaultContext(sslmanager.RoleServer) == nil)

	ca := pkitest.NewAuthority(t, "late CA")
	pk := pkitest.NewPrivateKey(t)
	fs.Apply(t, dir, fs.WithDir("ssl",
		fs.WithFile("privateKey.pem", "", fs.WithBytes(pkitest.EncodePrivateKey(t, pk))),
		fs.WithFile("certificate.pem", "", fs.WithBytes(
			ca.Issue(t, x509.Certificate{SerialNumber: big.NewInt(5)}, pk),
		)),
	))

	ctx, err := m.DefaultServerContext()
	assert.NilError(t, err)
	assert.Equal(t, ctx.CALocation(), "")
	assert.Assert(t, ctx.Certificate() != nil)
}

func TestDefaultClientContext_Concurrent(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	contexts := make([]*sslmanager.Context, 16)
	var g errgroup.Group
	for i := range contexts {
		i := i
		g.Go(func() error {
			ctx, err := m.DefaultClientContext()
			contexts[i] = ctx
			return err
		})
	}
	assert.NilError(t, g.Wait())

	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleClient), 1))
	for _, ctx := range contexts {
		assert.Equal(t, ctx, contexts[0])
	}
}

func TestRedundantInitializationIsVerbose(t *testing.T) {
	t.Parallel()

	logs := &logSink{}
	m := newManager(t, fakeprovider.New(),
		sslmanager.WithLogger(logs.logger()),
		sslmanager.WithDataDir(t.TempDir()),
	)

	assert.NilError(t, m.InitializeServer(nil))
	assert.NilError(t, m.InitializeServer(nil))
	assert.Assert(t, logs.contains("server context already initialized"))
}

func TestClose(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m, err := sslmanager.New(provider, sslmanager.WithLogger(logr.Discard()))
	assert.NilError(t, err)

	initialized, uninitialized := provider.Lifecycle()
	assert.Equal(t, initialized, 1)
	assert.Equal(t, uninitialized, 0)

	assert.NilError(t, m.Close())
	assert.NilError(t, m.Close())

	_, uninitialized = provider.Lifecycle()
	assert.Equal(t, uninitialized, 1)
}

func TestClose_ContextsUnavailable(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	m := newManager(t, provider, sslmanager.WithDataDir(t.TempDir()))

	_, err := m.DefaultClientContext()
	assert.NilError(t, err)
	assert.NilError(t, m.Close())

	ctx, err := m.DefaultClientContext()
	assert.ErrorIs(t, err, sslmanager.ErrClosed)
	assert.Assert(t, ctx == nil)

	ctx, err = m.DefaultServerContext()
	assert.ErrorIs(t, err, sslmanager.ErrClosed)
	assert.Assert(t, ctx == nil)

	explicit, err := sslmanager.NewContext(sslmanager.RoleClient, sslmanager.ContextParams{})
	assert.NilError(t, err)
	assert.ErrorIs(t, m.InitializeClient(explicit), sslmanager.ErrClosed)
	assert.ErrorIs(t, m.InitializeServer(nil), sslmanager.ErrClosed)

	// Only the context built before Close.
	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleClient), 1))
	assert.Assert(t, is.Len(provider.Calls(sslmanager.RoleServer), 0))
}

// countingMeterProvider counts the meters requested from it.
type countingMeterProvider struct {
	noop.MeterProvider

	mu     sync.Mutex
	meters int
}

func (p *countingMeterProvider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.meters++
	return p.MeterProvider.Meter(name, opts...)
}

func TestNew_InitializeError(t *testing.T) {
	t.Parallel()

	provider := fakeprovider.New()
	provider.InitErr = fakeprovider.ErrInjected
	meters := &countingMeterProvider{}

	m, err := sslmanager.New(provider,
		sslmanager.WithLogger(logr.Discard()),
		sslmanager.WithMeterProvider(meters),
	)
	assert.ErrorIs(t, err, fakeprovider.ErrInjected)
	assert.Assert(t, m == nil)

	// No instruments are left behind for a Manager that was never returned.
	assert.Equal(t, meters.meters, 0)

	_, uninitialized := provider.Lifecycle()
	assert.Equal(t, uninitialized, 0)
}

func TestStandardProvider(t *testing.T) {
	t.Parallel()

	provider := sslmanager.NewProvider()
	assert.NilError(t, provider.Initialize())
	assert.ErrorContains(t, provider.Initialize(), "already initialized")

	ctx, err := provider.NewContext(sslmanager.RoleClient, sslmanager.ContextParams{})
	assert.NilError(t, err)
	provider.SetDefaultContext(sslmanager.RoleClient, ctx)
	assert.Equal(t, provider.DefaultContext(sslmanager.RoleClient), ctx)
	assert.Assert(t, provider.DefaultContext(sslmanager.RoleServer) == nil)

	assert.NilError(t, provider.Uninitialize())
	assert.Assert(t, provider.DefaultContext(sslmanager.RoleClient) == nil)
}

func TestToStringFromString(t *testing.T) {
	t.Parallel()

	logs := &logSink{}
	m := newManager(t, fakeprovider.New(), sslmanager.WithLogger(logs.logger()))

	for _, mode := range sslmanager.VerificationModes() {
		assert.Equal(t, m.FromString(m.ToString(mode)), mode)
	}
	assert.Assert(t, !logs.contains("verification mode"))

	assert.Equal(t, m.ToString(sslmanager.VerificationMode(17)), "UNKNOWN")
	assert.Assert(t, logs.contains("unknown verification mode"))

	for i, text := range []string{"", "VERIFY_MAYBE", "verify_strict"} {
		assert.Equal(t, m.FromString(text), sslmanager.VerifyStrict, fmt.Sprintf("case %d", i))
	}
	assert.Assert(t, logs.contains("unrecognized verification mode"))
}
