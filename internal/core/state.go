package core

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sudo is the privilege context an operation runs under.
type Sudo struct {
	Enabled bool
	User    string
}

// HostMeta counts what has been declared for a host.
type HostMeta struct {
	Ops          int
	Commands     int
	LatestOpHash string
}

// HostResults counts what has been executed on a host. SuccessOps+ErrorOps
// never exceeds Ops.
type HostResults struct {
	Ops        int `json:"ops"`
	SuccessOps int `json:"success_ops"`
	ErrorOps   int `json:"error_ops"`
	Commands   int `json:"commands"`
}

// State is the shared context of one deployment run.
type State struct {
	mu sync.RWMutex

	runID     string
	inventory *Inventory
	config    *Config
	pool      *Pool

	// Connections are opened lazily per host while the run executes.
	commandConns  map[string]Executor
	transferConns map[string]Transferer

	opOrder []string
	opMeta  map[string]OpMeta
	opsRun  map[string]struct{}

	ops     map[string]map[string]HostOp
	meta    map[string]*HostMeta
	results map[string]*HostResults
	failed  map[string]struct{}

	inOp          bool
	currentOpSudo Sudo

	deployDir string
	active    bool

	startedAt  time.Time
	finishedAt time.Time
}

// NewState builds the run context for inv. A nil cfg is replaced by
// DefaultConfig. The inventory and config are linked back to the new state.
func NewState(inv *Inventory, cfg *Config) (*State, error) {
	if inv == nil || inv.Len() == 0 {
		return nil, &ConfigError{Field: "inventory", Value: "", Message: "at least one host is required"}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.resolve(inv.Len()); err != nil {
		return nil, err
	}

	s := &State{
		runID:         uuid.NewString(),
		inventory:     inv,
		config:        cfg,
		pool:          NewPool(cfg.Parallel),
		commandConns:  map[string]Executor{},
		transferConns: map[string]Transferer{},
		opMeta:        map[string]OpMeta{},
		opsRun:        map[string]struct{}{},
		ops:           make(map[string]map[string]HostOp, inv.Len()),
		meta:          make(map[string]*HostMeta, inv.Len()),
		results:       make(map[string]*HostResults, inv.Len()),
		failed:        map[string]struct{}{},
		active:        true,
	}
	for _, name := range inv.Names() {
		s.ops[name] = map[string]HostOp{}
		s.meta[name] = &HostMeta{}
		s.results[name] = &HostResults{}
	}
	inv.state = s
	cfg.state = s

	log.Debug().
		Str("run_id", s.runID).
		Int("hosts", inv.Len()).
		Int("parallel", cfg.Parallel).
		Msg("Run state created")
	return s, nil
}

func (s *State) RunID() string { return s.runID }
func (s *State) Inventory() *Inventory { return s.inventory }
func (s *State) Config() *Config { return s.config }
func (s *State) Pool() *Pool { return s.pool }

// Times reports when Run started and finished. Both are zero before Run.
func (s *State) Times() (started, finished time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt, s.finishedAt
}

// InOp reports whether a top-level operation is currently being declared.
func (s *State) InOp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inOp
}

// CurrentOpSudo is the privilege context of the operation being declared.
// Fact gathering reads it so it inherits the operation's sudo settings.
func (s *State) CurrentOpSudo() Sudo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentOpSudo
}

func (s *State) SetCurrentOpSudo(sudo Sudo) {
	s.mu.Lock()
	s.currentOpSudo = sudo
	s.mu.Unlock()
}

func (s *State) DeployDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployDir
}

func (s *State) SetDeployDir(dir string) {
	s.mu.Lock()
	s.deployDir = dir
	s.mu.Unlock()
}

// Active is false once the run has been retired.
func (s *State) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *State) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// OpOrder returns a copy of the declared operation hashes in order.
func (s *State) OpOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.opOrder))
	copy(out, s.opOrder)
	return out
}

func (s *State) OpMeta(hash string) (OpMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.opMeta[hash]
	return m, ok
}

// OpStarted reports whether execution of hash has begun.
func (s *State) OpStarted(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.opsRun[hash]
	return ok
}

// HostOps returns the hashes declared for host, in operation order.
func (s *State) HostOps(host string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostOpsLocked(host)
}

func (s *State) hostOpsLocked(host string) []string {
	ops, ok := s.ops[host]
	if !ok {
		return nil
	}
	var out []string
	for _, hash := range s.opOrder {
		if _, ok := ops[hash]; ok {
			out = append(out, hash)
		}
	}
	return out
}

// HostOp returns the commands declared for one operation on one host.
func (s *State) HostOp(host, hash string) (HostOp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[host][hash]
	return op, ok
}

func (s *State) Meta(host string) (HostMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[host]
	if !ok {
		return HostMeta{}, false
	}
	return *m, true
}

func (s *State) Results(host string) (HostResults, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[host]
	if !ok {
		return HostResults{}, false
	}
	return *r, true
}

// AllResults returns a snapshot of every host's results.
func (s *State) AllResults() map[string]HostResults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HostResults, len(s.results))
	for name, r := range s.results {
		out[name] = *r
	}
	return out
}

// FailedHosts lists hosts that stopped on an error that was not ignored.
func (s *State) FailedHosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.failed))
	for name := range s.failed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActiveHosts lists hosts, in inventory order, that have not failed.
func (s *State) ActiveHosts() []*Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Host
	for _, h := range s.inventory.hosts {
		if _, bad := s.failed[h.Name]; !bad {
			out = append(out, h)
		}
	}
	return out
}

// FailPercentExceeded applies Config.FailPercent to the failed host count.
func (s *State) FailPercentExceeded() bool {
	if s.config.FailPercent < 0 {
		return false
	}
	s.mu.RLock()
	failed := len(s.failed)
	s.mu.RUnlock()
	if failed == 0 {
		return false
	}
	percent := float64(failed) * 100 / float64(s.inventory.Len())
	return percent > float64(s.config.FailPercent)
}
