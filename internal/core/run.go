package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/fleetrun/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CommandOutput is what a host returned for one shell command.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector opens the per-host channels a run needs. OpenTransfer is only
// called for hosts that have uploads, after Connect succeeded.
type Connector interface {
	Connect(ctx context.Context, host *Host) (Executor, error)
	OpenTransfer(ctx context.Context, host *Host, exec Executor) (Transferer, error)
}

// Executor runs shell commands on one host. A non-zero exit code is reported
// in CommandOutput, not as an error.
type Executor interface {
	Run(ctx context.Context, cmd string, sudo Sudo) (CommandOutput, error)
	Close() error
}

// Transferer writes files to one host.
type Transferer interface {
	Put(ctx context.Context, data []byte, dest string) error
	Close() error
}

// CommandError is returned for a command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// OpOutcome is reported by a host work unit for every operation it attempted.
type OpOutcome struct {
	Host     string
	Hash     string
	Commands int
	Err      error
	// Ignored marks an error that does not stop the host.
	Ignored  bool
	Duration time.Duration
}

// Run executes every declared operation. Each host gets one work unit in the
// pool which runs that host's operations in declaration order and stops at
// the first error that is not ignored. Host failures only show up in the
// result counters; Run itself fails only if the run cannot be started or ctx
// ends before every host was dispatched.
func (s *State) Run(ctx context.Context, conn Connector) error {
	if conn == nil {
		return errors.New("run: nil connector")
	}

	s.mu.Lock()
	for _, hash := range s.opOrder {
		if err := s.markStartedLocked(hash); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("run: %w", err)
		}
	}
	s.startedAt = time.Now()
	ops := len(s.opOrder)
	s.mu.Unlock()

	// Work units and the connector can reach the run through ctx.
	ctx = WithState(ctx, s)

	logger := log.With().Str("run_id", s.runID).Logger()
	logger.Info().
		Int("hosts", s.inventory.Len()).
		Int("ops", ops).
		Int("parallel", s.pool.Size()).
		Msg("Starting run")

	// Host units only send outcomes; this goroutine is the single writer of
	// the result counters.
	outcomes := make(chan OpOutcome, s.pool.Size())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for o := range outcomes {
			s.record(o)
		}
	}()

	var runErr error
	for _, h := range s.inventory.Hosts() {
		host := h
		err := s.pool.Go(ctx, func(ctx context.Context) {
			s.runHost(ctx, conn, host, outcomes)
		})
		if err != nil {
			runErr = fmt.Errorf("run: dispatch %s: %w", host.Name, err)
			break
		}
	}
	s.pool.Wait()
	close(outcomes)
	<-done

	s.mu.Lock()
	s.finishedAt = time.Now()
	elapsed := s.finishedAt.Sub(s.startedAt)
	failed := len(s.failed)
	s.mu.Unlock()

	telemetry.TimerGlobal("fleetrun_run_duration", elapsed, map[string]string{"run_id": s.runID})
	logger.Info().
		Dur("elapsed", elapsed).
		Int("failed_hosts", failed).
		Int("peak_parallel", s.pool.Peak()).
		Msg("Run finished")
	return runErr
}

func (s *State) runHost(ctx context.Context, conn Connector, host *Host, out chan<- OpOutcome) {
	logger := log.With().Str("run_id", s.runID).Str("host", host.Name).Logger()
	hashes := s.HostOps(host.Name)
	if len(hashes) == 0 {
		logger.Debug().Msg("No operations for host")
		return
	}

	// current is the op whose outcome has not been reported yet.
	current := hashes[0]
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("hash", current).Msg("Host work unit panicked")
			if current != "" {
				out <- OpOutcome{Host: host.Name, Hash: current, Err: fmt.Errorf("panic: %v", r)}
			}
		}
	}()

	exec, err := s.connect(ctx, conn, host)
	if err != nil {
		logger.Error().Err(err).Msg("Connect failed")
		out <- OpOutcome{Host: host.Name, Hash: current, Err: fmt.Errorf("connect: %w", err)}
		return
	}

	for _, hash := range hashes {
		current = hash
		op, _ := s.HostOp(host.Name, hash)
		start := time.Now()
		n, err := s.runOp(ctx, conn, host, exec, op)
		o := OpOutcome{
			Host:     host.Name,
			Hash:     hash,
			Commands: n,
			Err:      err,
			Ignored:  err != nil && op.IgnoreErrors,
			Duration: time.Since(start),
		}
		current = ""
		out <- o
		if err != nil && !op.IgnoreErrors {
			logger.Warn().Err(err).Str("hash", hash).Msg("Operation failed, skipping remaining operations")
			return
		}
	}
}

func (s *State) runOp(ctx context.Context, conn Connector, host *Host, exec Executor, op HostOp) (int, error) {
	executed := 0
	for _, cmd := range op.Commands {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		if cmd.Upload != nil {
			t, err := s.transfer(ctx, conn, host, exec)
			if err != nil {
				return executed, fmt.Errorf("open transfer: %w", err)
			}
			if err := t.Put(ctx, cmd.Upload.Data, cmd.Upload.Dest); err != nil {
				return executed, fmt.Errorf("upload %s: %w", cmd.Upload.Dest, err)
			}
		} else {
			res, err := exec.Run(ctx, cmd.Shell, op.Sudo)
			if err != nil {
				return executed, fmt.Errorf("run %q: %w", cmd.Shell, err)
			}
			if res.ExitCode != 0 {
				return executed, &CommandError{Command: cmd.Shell, ExitCode: res.ExitCode, Stderr: res.Stderr}
			}
		}
		executed++
	}
	return executed, nil
}

// connect returns the host's command channel, opening it on first use. The
// network call happens outside the lock.
func (s *State) connect(ctx context.Context, conn Connector, host *Host) (Executor, error) {
	s.mu.RLock()
	exec, ok := s.commandConns[host.Name]
	s.mu.RUnlock()
	if ok {
		return exec, nil
	}
	exec, err := conn.Connect(ctx, host)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.commandConns[host.Name] = exec
	s.mu.Unlock()
	return exec, nil
}

func (s *State) transfer(ctx context.Context, conn Connector, host *Host, exec Executor) (Transferer, error) {
	s.mu.RLock()
	t, ok := s.transferConns[host.Name]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := conn.OpenTransfer(ctx, host, exec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.transferConns[host.Name] = t
	s.mu.Unlock()
	return t, nil
}

func (s *State) record(o OpOutcome) {
	s.mu.Lock()
	r, ok := s.results[o.Host]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.Ops++
	r.Commands += o.Commands
	if o.Err == nil {
		r.SuccessOps++
	} else {
		r.ErrorOps++
		if !o.Ignored {
			s.failed[o.Host] = struct{}{}
		}
	}
	name := s.opMeta[o.Hash].Name
	s.mu.Unlock()

	labels := map[string]string{"host": o.Host, "op": name}
	telemetry.CounterGlobal("fleetrun_ops_total", 1, labels)
	telemetry.CounterGlobal("fleetrun_commands_total", float64(o.Commands), labels)
	telemetry.TimerGlobal("fleetrun_op_duration", o.Duration, labels)

	var ev *zerolog.Event
	if o.Err != nil {
		telemetry.CounterGlobal("fleetrun_op_errors_total", 1, labels)
		ev = log.Warn().Err(o.Err).Bool("ignored", o.Ignored)
	} else {
		ev = log.Info()
	}
	ev.Str("run_id", s.runID).
		Str("host", o.Host).
		Str("op", name).
		Int("commands", o.Commands).
		Dur("took", o.Duration).
		Msg("Operation complete")
}

// Close releases every connection opened during the run and retires the
// state. It is safe to call more than once.
func (s *State) Close() error {
	s.mu.Lock()
	transfers := s.transferConns
	execs := s.commandConns
	s.transferConns = map[string]Transferer{}
	s.commandConns = map[string]Executor{}
	s.active = false
	s.mu.Unlock()

	var errs []error
	for name, t := range transfers {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transfer %s: %w", name, err))
		}
	}
	for name, e := range execs {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
