// Package sslmanager configures the default TLS client and server contexts
// of an application.
//
// A Manager lazily builds one default client context and one default server
// context from files in the application's data directory (see
// DefaultCALocation, DefaultPrivateKeyFile and DefaultCertificateFile), or
// installs contexts supplied by the caller. Missing files degrade the
// resulting context and are reported as warnings rather than errors.
//
// Certificate verification failures and private key passphrase requests are
// delivered to registered observers, which may accept a peer that failed
// verification.
package sslmanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// ErrClosed is returned when a closed Manager is asked for a context.
var ErrClosed = errors.New("sslmanager: manager is closed")

// Manager coordinates the default contexts held by a Provider. It is safe
// for concurrent use.
type Manager struct {
	provider Provider
	log      logr.Logger
	resolver DataPathResolver

	searchDirs        []string
	clientMode        VerificationMode
	serverMode        VerificationMode
	verificationDepth int
	loadDefaultCAs    bool
	metrics           instruments

	mu                sync.Mutex
	clientInitialized bool
	serverInitialized bool
	closed            bool

	observersMu sync.RWMutex
	observers   observers
}

// New initializes provider and returns a Manager using it. Close releases
// the provider.
func New(provider Provider, opts ...Option) (*Manager, error) {
	cfg := newConfig(opts)

	m := &Manager{
		provider:          provider,
		log:               cfg.Logger.WithName("sslmanager"),
		resolver:          cfg.Resolver,
		searchDirs:        cfg.SearchDirs,
		clientMode:        cfg.ClientMode,
		serverMode:        cfg.ServerMode,
		verificationDepth: cfg.VerificationDepth,
		loadDefaultCAs:    cfg.LoadDefaultCAs,
	}

	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("unable to initialize provider: %w", err)
	}

	if err := m.registerMetrics(cfg.MeterProvider); err != nil {
		if uerr := provider.Uninitialize(); uerr != nil {
			m.log.Error(uerr, "unable to uninitialize provider")
		}
		return nil, err
	}

	return m, nil
}

// Close uninitializes the provider. Afterwards the Manager returns
// ErrClosed instead of contexts. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.clientInitialized = false
	m.serverInitialized = false

	return m.provider.Uninitialize()
}

// DefaultServerContext returns the provider's default server context,
// initializing it first if needed. A missing server key or certificate is
// an error and leaves the role uninitialized; only a missing CA degrades the
// context.
func (m *Manager) DefaultServerContext() (*Context, error) {
	if err := m.InitializeServer(nil); err != nil {
		return nil, err
	}
	return m.provider.DefaultContext(RoleServer), nil
}

// DefaultClientContext returns the provider's default client context,
// initializing it first if needed.
func (m *Manager) DefaultClientContext() (*Context, error) {
	if err := m.InitializeClient(nil); err != nil {
		return nil, err
	}
	return m.provider.DefaultContext(RoleClient), nil
}

// InitializeServer installs ctx as the default server context. With a nil
// ctx it builds the default server context from ServerPaths, unless the
// server role was initialized already. It returns ErrClosed after Close.
func (m *Manager) InitializeServer(ctx *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case ctx != nil:
		m.provider.SetDefaultContext(RoleServer, ctx)
		m.serverInitialized = true
		m.recordInitialization(RoleServer, "explicit")
	case !m.serverInitialized:
		paths := m.ServerPaths()
		ctx, err := m.NewContext(RoleServer, ContextParams{
			PrivateKeyFile:   paths.PrivateKeyFile,
			CertificateFile:  paths.CertificateFile,
			CALocation:       paths.CALocation,
			VerificationMode: m.serverMode,
		})
		if err != nil {
			return err
		}
		m.provider.SetDefaultContext(RoleServer, ctx)
		m.serverInitialized = true
		m.recordInitialization(RoleServer, "default")
	default:
		m.log.V(1).Info("server context already initialized")
	}

	return nil
}

// InitializeClient installs ctx as the default client context. With a nil
// ctx it builds the default client context from ClientPaths, unless the
// client role was initialized already.
func (m *Manager) InitializeClient(ctx *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case ctx != nil:
		m.provider.SetDefaultContext(RoleClient, ctx)
		m.clientInitialized = true
		m.recordInitialization(RoleClient, "explicit")
	case !m.clientInitialized:
		paths := m.ClientPaths()
		ctx, err := m.NewContext(RoleClient, ContextParams{
			CALocation:       paths.CALocation,
			VerificationMode: m.clientMode,
		})
		if err != nil {
			return err
		}
		m.provider.SetDefaultContext(RoleClient, ctx)
		m.clientInitialized = true
		m.recordInitialization(RoleClient, "default")
	default:
		m.log.V(1).Info("client context already initialized")
	}

	return nil
}

// NewContext builds a context through the provider with the Manager as its
// event handler. Depth and default CA settings not given in params are
// taken from the Manager.
func (m *Manager) NewContext(role Role, params ContextParams) (*Context, error) {
	if params.Events == nil {
		params.Events = m
	}
	if params.VerificationDepth == 0 {
		params.VerificationDepth = m.verificationDepth
	}
	params.LoadDefaultCAs = params.LoadDefaultCAs || m.loadDefaultCAs

	return m.provider.NewContext(role, params)
}

// ServerPaths resolves the default server key, certificate and CA files.
// A missing CA file yields an empty CA location.
func (m *Manager) ServerPaths() Paths {
	paths := Paths{
		PrivateKeyFile:  m.resolver.DataPath(DefaultPrivateKeyFile),
		CertificateFile: m.resolver.DataPath(DefaultCertificateFile),
		CALocation:      m.resolver.DataPath(DefaultCALocation),
	}

	if !fileExists(paths.CALocation) {
		m.log.Info("CA file not found, server context will not verify client certificates against a CA",
			"path", paths.CALocation)
		paths.CALocation = ""
	}

	return paths
}

// ClientPaths resolves the default client CA file: the data directory is
// tried first, then each search directory in order. If none has the file
// the CA location is empty.
func (m *Manager) ClientPaths() Paths {
	local := m.resolver.DataPath(DefaultCALocation)
	if fileExists(local) {
		return Paths{CALocation: local}
	}

	for _, dir := range m.searchDirs {
		candidate := DataDir(dir).DataPath(DefaultCALocation)
		if fileExists(candidate) {
			m.log.Info("CA file not found in data directory, using fallback",
				"path", local, "fallback", candidate)
			return Paths{CALocation: candidate}
		}
	}

	m.log.Info("CA file not found, client context has no trusted CAs",
		"path", local, "searchDirs", m.searchDirs)
	return Paths{}
}

// ToString returns the name of mode, logging a warning for unknown values.
func (m *Manager) ToString(mode VerificationMode) string {
	if !mode.valid() {
		m.log.Info("unknown verification mode", "mode", int(mode))
	}
	return mode.String()
}

// FromString returns the mode named by text. Unrecognized text yields
// VerifyStrict and a warning.
func (m *Manager) FromString(text string) VerificationMode {
	mode, err := ParseVerificationMode(text)
	if err != nil {
		m.log.Info("unrecognized verification mode, using VERIFY_STRICT", "mode", text)
	}
	return mode
}

// RegisterObserver subscribes o to all client, server and passphrase events.
func (m *Manager) RegisterObserver(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.server = append(m.observers.server, o)
	m.observers.client = append(m.observers.client, o)
	m.observers.passphrase = append(m.observers.passphrase, o)
}

func (m *Manager) UnregisterObserver(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.server = removeFirst[ServerObserver](m.observers.server, o)
	m.observers.client = removeFirst[ClientObserver](m.observers.client, o)
	m.observers.passphrase = removeFirst[PassphraseObserver](m.observers.passphrase, o)
}

// RegisterClientObserver subscribes o to client and passphrase events.
func (m *Manager) RegisterClientObserver(o ClientObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.client = append(m.observers.client, o)
	m.observers.passphrase = append(m.observers.passphrase, o)
}

func (m *Manager) UnregisterClientObserver(o ClientObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.client = removeFirst(m.observers.client, o)
	m.observers.passphrase = removeFirst[PassphraseObserver](m.observers.passphrase, o)
}

// RegisterServerObserver subscribes o to server and passphrase events.
func (m *Manager) RegisterServerObserver(o ServerObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.server = append(m.observers.server, o)
	m.observers.passphrase = append(m.observers.passphrase, o)
}

func (m *Manager) UnregisterServerObserver(o ServerObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers.server = removeFirst(m.observers.server, o)
	m.observers.passphrase = removeFirst[PassphraseObserver](m.observers.passphrase, o)
}

// HandleVerificationError delivers args to the observers of its role in
// registration order.
func (m *Manager) HandleVerificationError(args *VerificationErrorArgs) {
	m.observersMu.RLock()
	client, server := m.observers.client, m.observers.server
	m.observersMu.RUnlock()

	switch args.Role {
	case RoleClient:
		for _, o := range client {
			o.OnClientVerificationError(args)
		}
	case RoleServer:
		for _, o := range server {
			o.OnServerVerificationError(args)
		}
	}

	m.recordVerificationError(args)
	m.log.Info("certificate verification failed",
		"role", args.Role.String(), "error", args.Err, "ignored", args.Ignore)
}

// HandlePassphraseRequired delivers req to the passphrase observers in
// registration order. Default contexts are built while the Manager holds its
// initialization lock, so observers must not initialize contexts from here.
func (m *Manager) HandlePassphraseRequired(req *PassphraseRequest) {
	m.observersMu.RLock()
	passphrase := m.observers.passphrase
	m.observersMu.RUnlock()

	for _, o := range passphrase {
		o.OnPrivateKeyPassphraseRequired(req)
	}
}
