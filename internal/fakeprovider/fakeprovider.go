// Package fakeprovider implements an in-memory sslmanager.Provider that
// records every context it is asked to build.
package fakeprovider

import (
	"errors"
	"sync"

	"github.com/cloudflare/sslmanager"
)

// Call is one NewContext invocation.
type Call struct {
	Role   sslmanager.Role
	Params sslmanager.ContextParams
}

type FakeProvider struct {
	mu            sync.Mutex
	calls         []Call
	defaults      map[sslmanager.Role]*sslmanager.Context
	initialized   int
	uninitialized int

	// Err, when set, is returned by NewContext.
	Err error
	// InitErr, when set, is returned by Initialize.
	InitErr error
}

func New() *FakeProvider {
	return &FakeProvider{
		defaults: make(map[sslmanager.Role]*sslmanager.Context),
	}
}

func (p *FakeProvider) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.initialized++
	return p.InitErr
}

func (p *FakeProvider) Uninitialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uninitialized++
	return nil
}

// NewContext records the call and builds a context without touching the
// file system: file locations are kept in the returned context but never read.
func (p *FakeProvider) NewContext(role sslmanager.Role, params sslmanager.ContextParams) (*sslmanager.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Role: role, Params: params})
	if p.Err != nil {
		return nil, p.Err
	}

	return sslmanager.NewContext(role, sslmanager.ContextParams{
		VerificationMode:  params.VerificationMode,
		VerificationDepth: params.VerificationDepth,
		Events:            params.Events,
	})
}

func (p *FakeProvider) SetDefaultContext(role sslmanager.Role, ctx *sslmanager.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.defaults[role] = ctx
}

func (p *FakeProvider) DefaultContext(role sslmanager.Role) *sslmanager.Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.defaults[role]
}

// Calls returns the NewContext invocations for role.
func (p *FakeProvider) Calls(role sslmanager.Role) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	var calls []Call
	for _, c := range p.calls {
		if c.Role == role {
			calls = append(calls, c)
		}
	}
	return calls
}

// Lifecycle reports how often Initialize and Uninitialize were called.
func (p *FakeProvider) Lifecycle() (initialized, uninitialized int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.initialized, p.uninitialized
}

// ErrInjected is a convenience error for tests exercising failures.
var ErrInjected = errors.New("fakeprovider: injected failure")
