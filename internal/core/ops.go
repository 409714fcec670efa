package core

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Command is one step of an operation on a host: either a shell command sent
// over the command channel or a file written over the transfer channel.
type Command struct {
	Shell  string
	Upload *Upload
}

// Upload writes Data to Dest on the remote host.
type Upload struct {
	Data []byte
	Dest string
}

func Shell(cmd string) Command { return Command{Shell: cmd} }

func Put(data []byte, dest string) Command {
	return Command{Upload: &Upload{Data: data, Dest: dest}}
}

func (c Command) String() string {
	if c.Upload != nil {
		return fmt.Sprintf("upload %d bytes -> %s", len(c.Upload.Data), c.Upload.Dest)
	}
	return c.Shell
}

// OpSpec describes an operation being declared. Hash overrides the identifier
// derived from Name and Args. Sudo, SudoUser and IgnoreErrors fall back to the
// run config when unset.
type OpSpec struct {
	Name         string
	Args         map[string]string
	Hash         string
	Sudo         bool
	SudoUser     string
	IgnoreErrors bool
}

// OpMeta is the host independent description of a declared operation.
type OpMeta struct {
	Name  string
	Args  map[string]string
	Sudo  Sudo
	Hosts []string
}

// HostOp is what one operation does on one host.
type HostOp struct {
	Commands     []Command
	Sudo         Sudo
	IgnoreErrors bool
}

// OpFunc generates the commands an operation needs on host. It may declare
// further operations through s; while it runs those are evaluated inline and
// not recorded as operations of their own.
type OpFunc func(s *State, host *Host) ([]Command, error)

// OpResult is returned by AddOp. Nested is set when the call happened inside
// another operation, in which case nothing was recorded and the caller is
// expected to splice Commands into its own output.
type OpResult struct {
	Hash     string
	Nested   bool
	Commands map[string][]Command
}

// AddOp declares an operation for hosts, or for every inventory host when
// hosts is empty. Declaring a hash again for other hosts extends the same
// operation; declaring it again for a host that already has it, or after it
// started executing, fails with ErrDuplicateOperation.
func (s *State) AddOp(spec OpSpec, hosts []*Host, fn OpFunc) (*OpResult, error) {
	if fn == nil {
		return nil, fmt.Errorf("add op %q: nil op func", spec.Name)
	}
	hash := spec.Hash
	if hash == "" {
		hash = MakeOpHash(spec.Name, spec.Args)
	}
	if len(hosts) == 0 {
		hosts = s.inventory.Hosts()
	}
	hosts = uniqueHosts(hosts)

	s.mu.Lock()
	if s.inOp {
		s.mu.Unlock()
		return s.evalNested(spec, hash, hosts, fn)
	}
	if err := s.checkDeclarableLocked(spec, hash, hosts); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sudo := Sudo{Enabled: spec.Sudo || s.config.Sudo, User: spec.SudoUser}
	if sudo.User == "" {
		sudo.User = s.config.SudoUser
	}
	s.inOp = true
	s.currentOpSudo = sudo
	s.mu.Unlock()

	generated, err := s.generate(spec, hosts, fn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The lock was released while generating; recheck.
	if err := s.checkDeclarableLocked(spec, hash, hosts); err != nil {
		return nil, err
	}

	meta, known := s.opMeta[hash]
	if !known {
		s.opOrder = append(s.opOrder, hash)
		meta = OpMeta{Name: spec.Name, Args: copyArgs(spec.Args), Sudo: sudo}
	}
	res := &OpResult{Hash: hash, Commands: make(map[string][]Command, len(hosts))}
	ignore := spec.IgnoreErrors || s.config.IgnoreErrors
	for i, h := range hosts {
		cmds := generated[i]
		s.ops[h.Name][hash] = HostOp{Commands: cmds, Sudo: sudo, IgnoreErrors: ignore}
		m := s.meta[h.Name]
		m.Ops++
		m.Commands += len(cmds)
		m.LatestOpHash = hash
		meta.Hosts = append(meta.Hosts, h.Name)
		res.Commands[h.Name] = cmds
	}
	s.opMeta[hash] = meta

	log.Debug().
		Str("op", spec.Name).
		Str("hash", hash).
		Int("hosts", len(hosts)).
		Msg("Operation declared")
	return res, nil
}

// generate runs fn for every host with the in-op guard held. The guard is
// cleared on return, including when fn panics.
func (s *State) generate(spec OpSpec, hosts []*Host, fn OpFunc) ([][]Command, error) {
	defer func() {
		s.mu.Lock()
		s.inOp = false
		s.currentOpSudo = Sudo{}
		s.mu.Unlock()
	}()
	generated := make([][]Command, len(hosts))
	for i, h := range hosts {
		cmds, err := fn(s, h)
		if err != nil {
			return nil, fmt.Errorf("add op %q on %s: %w", spec.Name, h.Name, err)
		}
		generated[i] = cmds
	}
	return generated, nil
}

func (s *State) evalNested(spec OpSpec, hash string, hosts []*Host, fn OpFunc) (*OpResult, error) {
	res := &OpResult{Hash: hash, Nested: true, Commands: make(map[string][]Command, len(hosts))}
	for _, h := range hosts {
		cmds, err := fn(s, h)
		if err != nil {
			return nil, fmt.Errorf("nested op %q on %s: %w", spec.Name, h.Name, err)
		}
		res.Commands[h.Name] = cmds
	}
	return res, nil
}

func (s *State) checkDeclarableLocked(spec OpSpec, hash string, hosts []*Host) error {
	if _, started := s.opsRun[hash]; started {
		return &DuplicateOperationError{Hash: hash, Name: spec.Name, Started: true}
	}
	for _, h := range hosts {
		ops, ok := s.ops[h.Name]
		if !ok {
			return fmt.Errorf("add op %q: %w: %s", spec.Name, ErrUnknownHost, h.Name)
		}
		if _, dup := ops[hash]; dup {
			return &DuplicateOperationError{Hash: hash, Name: spec.Name, Host: h.Name}
		}
	}
	return nil
}

// MarkOpStarted records that execution of hash has begun. Each operation can
// be started once.
func (s *State) MarkOpStarted(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markStartedLocked(hash)
}

func (s *State) markStartedLocked(hash string) error {
	meta, ok := s.opMeta[hash]
	if !ok {
		return fmt.Errorf("start op %s: %w", hash, ErrUnknownOperation)
	}
	if _, started := s.opsRun[hash]; started {
		return &DuplicateOperationError{Hash: hash, Name: meta.Name, Started: true}
	}
	s.opsRun[hash] = struct{}{}
	return nil
}

// IsDuplicate reports whether err signals a repeated operation declaration.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateOperation) }

func uniqueHosts(hosts []*Host) []*Host {
	seen := make(map[string]struct{}, len(hosts))
	out := hosts[:0:0]
	for _, h := range hosts {
		if h == nil {
			continue
		}
		if _, ok := seen[h.Name]; ok {
			continue
		}
		seen[h.Name] = struct{}{}
		out = append(out, h)
	}
	return out
}

func copyArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
