package sslmanager

import (
	"fmt"
	"sync"
)

// Provider constructs contexts and stores the process default context for
// each role. It stands in for the TLS library's own context manager.
type Provider interface {
	// Initialize and Uninitialize bracket the provider's lifetime. Manager
	// calls each once.
	Initialize() error
	Uninitialize() error

	NewContext(role Role, params ContextParams) (*Context, error)
	SetDefaultContext(role Role, ctx *Context)
	DefaultContext(role Role) *Context
}

// StandardProvider is the crypto/tls backed Provider.
type StandardProvider struct {
	mu          sync.RWMutex
	initialized bool
	client      *Context
	server      *Context
}

// NewProvider returns a StandardProvider with no default contexts.
func NewProvider() *StandardProvider {
	return &StandardProvider{}
}

func (p *StandardProvider) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("provider already initialized")
	}
	p.initialized = true
	return nil
}

// Uninitialize drops both default contexts.
func (p *StandardProvider) Uninitialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.initialized = false
	p.client = nil
	p.server = nil
	return nil
}

func (p *StandardProvider) NewContext(role Role, params ContextParams) (*Context, error) {
	ctx, err := NewContext(role, params)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s context: %w", role, err)
	}
	return ctx, nil
}

func (p *StandardProvider) SetDefaultContext(role Role, ctx *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch role {
	case RoleClient:
		p.client = ctx
	case RoleServer:
		p.server = ctx
	}
}

func (p *StandardProvider) DefaultContext(role Role) *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch role {
	case RoleClient:
		return p.client
	case RoleServer:
		return p.server
	}
	return nil
}
