package core

import (
	"context"
	"sync"
)

// Context is the surface of a run that deploy code works against. *State
// implements it directly and *Binding forwards it to whichever state is bound.
type Context interface {
	RunID() string
	Inventory() *Inventory
	Config() *Config
	Pool() *Pool

	InOp() bool
	CurrentOpSudo() Sudo
	SetCurrentOpSudo(Sudo)
	DeployDir() string
	SetDeployDir(string)
	Active() bool
	SetActive(bool)

	AddOp(spec OpSpec, hosts []*Host, fn OpFunc) (*OpResult, error)
	MarkOpStarted(hash string) error
	GetTempFilename(hashKey string) string

	OpOrder() []string
	OpMeta(hash string) (OpMeta, bool)
	HostOps(host string) []string
	Meta(host string) (HostMeta, bool)
	Results(host string) (HostResults, bool)
}

var (
	_ Context = (*State)(nil)
	_ Context = (*Binding)(nil)
)

// Binding is a handle that forwards to the currently bound State. Binding a
// new state replaces the previous one; bindings do not stack.
type Binding struct {
	mu    sync.RWMutex
	state *State
}

// Pseudo is the process-wide binding used by deploy code that is not handed
// a State. The CLI binds it before deploy files are evaluated.
var Pseudo = &Binding{}

// Bind makes s the target of every call through b. Passing nil unbinds.
func (b *Binding) Bind(s *State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State returns the bound state, or nil.
func (b *Binding) State() *State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Binding) Bound() bool { return b.State() != nil }

// current panics when nothing is bound, the same way reading through a nil
// state would, but with a message that says what went wrong.
func (b *Binding) current() *State {
	s := b.State()
	if s == nil {
		panic(ErrNotBound.Error() + ": bind a run state before using core.Pseudo")
	}
	return s
}

func (b *Binding) RunID() string { return b.current().RunID() }
func (b *Binding) Inventory() *Inventory { return b.current().Inventory() }
func (b *Binding) Config() *Config { return b.current().Config() }
func (b *Binding) Pool() *Pool { return b.current().Pool() }
func (b *Binding) InOp() bool { return b.current().InOp() }
func (b *Binding) CurrentOpSudo() Sudo { return b.current().CurrentOpSudo() }
func (b *Binding) SetCurrentOpSudo(s Sudo) { b.current().SetCurrentOpSudo(s) }
func (b *Binding) DeployDir() string { return b.current().DeployDir() }
func (b *Binding) SetDeployDir(d string) { b.current().SetDeployDir(d) }
func (b *Binding) Active() bool { return b.current().Active() }
func (b *Binding) SetActive(a bool) { b.current().SetActive(a) }
func (b *Binding) OpOrder() []string { return b.current().OpOrder() }

func (b *Binding) AddOp(spec OpSpec, hosts []*Host, fn OpFunc) (*OpResult, error) {
	return b.current().AddOp(spec, hosts, fn)
}

func (b *Binding) MarkOpStarted(hash string) error { return b.current().MarkOpStarted(hash) }

func (b *Binding) GetTempFilename(hashKey string) string {
	return b.current().GetTempFilename(hashKey)
}

func (b *Binding) OpMeta(hash string) (OpMeta, bool) { return b.current().OpMeta(hash) }
func (b *Binding) HostOps(host string) []string { return b.current().HostOps(host) }
func (b *Binding) Meta(host string) (HostMeta, bool) { return b.current().Meta(host) }
func (b *Binding) Results(host string) (HostResults, bool) { return b.current().Results(host) }

type stateKey struct{}

// WithState returns a context carrying s, for code paths that can take the
// run explicitly instead of going through Pseudo.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFromContext returns the state stored by WithState.
func StateFromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateKey{}).(*State)
	return s, ok && s != nil
}
