// Package process launches and supervises the programs an experiment runs on
// its endpoints. Every process it starts leads its own process group so that
// stopping it also stops whatever it spawned.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"

	"github.com/NodePath81/bufferbloat/internal/util"
)

const defaultStopGrace = 2 * time.Second

// Command is a program and its arguments.
type Command struct {
	Program string
	Args    []string
}

// Validate rejects commands that cannot be passed to exec as-is.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Program) == "" {
		return errors.New("empty program")
	}
	for _, part := range append([]string{c.Program}, c.Args...) {
		if strings.IndexByte(part, 0) >= 0 {
			return fmt.Errorf("argument %q contains NUL", part)
		}
	}
	return nil
}

func (c Command) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// Options controls where a started process writes its output. With neither
// set, output goes to the null device.
type Options struct {
	CaptureOutput bool
	// RedirectFile receives stdout, truncated on start.
	RedirectFile string
}

type State int

const (
	Starting State = iota
	Running
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is what a finished process left behind.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Endpoint string
	Command  Command
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q on %s: %v", e.Command.String(), e.Endpoint, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Handle tracks one started process.
type Handle struct {
	ID       string
	Endpoint string
	Command  Command

	cmd    *exec.Cmd
	file   *os.File
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	done   chan struct{}

	mu            sync.Mutex
	state         State
	stopRequested bool
	result        Result
	err           error
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits. The error is nil for a clean exit or
// for any exit after a stop request.
func (h *Handle) Wait() (Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// SupervisorConfig tunes a Supervisor. Zero values pick defaults.
type SupervisorConfig struct {
	// StopGrace is how long StopAll waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// ProcRoot is the procfs mount used by Sweep.
	ProcRoot string
	// OnChange is called with the number of running processes whenever it changes.
	OnChange func(running int)
}

// Supervisor starts processes through an Executor and keeps their handles.
type Supervisor struct {
	exec   Executor
	logger util.Logger
	cfg    SupervisorConfig

	mu      sync.Mutex
	handles []*Handle
}

func NewSupervisor(exec Executor, logger util.Logger, cfg SupervisorConfig) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = procfs.DefaultMountPoint
	}
	return &Supervisor{exec: exec, logger: logger, cfg: cfg}
}

// Start launches c on endpoint and returns once the process exists.
func (s *Supervisor) Start(endpoint string, c Command, opts Options) (*Handle, error) {
	if err := c.Validate(); err != nil {
		return nil, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	cmd, err := s.exec.Command(context.Background(), endpoint, c)
	if err != nil {
		return nil, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	setProcessGroup(cmd)

	h := &Handle{
		ID:       uuid.New().String(),
		Endpoint: endpoint,
		Command:  c,
		cmd:      cmd,
		done:     make(chan struct{}),
		state:    Starting,
	}
	switch {
	case opts.RedirectFile != "":
		f, err := os.Create(opts.RedirectFile)
		if err != nil {
			return nil, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
		}
		h.file = f
		cmd.Stdout = f
		if opts.CaptureOutput {
			h.stderr = &bytes.Buffer{}
			cmd.Stderr = h.stderr
		}
	case opts.CaptureOutput:
		h.stdout = &bytes.Buffer{}
		h.stderr = &bytes.Buffer{}
		cmd.Stdout = h.stdout
		cmd.Stderr = h.stderr
	}

	if err := cmd.Start(); err != nil {
		if h.file != nil {
			h.file.Close()
		}
		return nil, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	h.mu.Lock()
	h.state = Running
	h.mu.Unlock()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	s.logger.Debug("process started", "endpoint", endpoint, "cmd", c.String(), "pid", h.PID(), "id", h.ID)
	s.notify()

	go s.reap(h)
	return h, nil
}

func (s *Supervisor) reap(h *Handle) {
	waitErr := h.cmd.Wait()
	if h.file != nil {
		h.file.Close()
	}

	h.mu.Lock()
	h.result.ExitCode = h.cmd.ProcessState.ExitCode()
	if h.stdout != nil {
		h.result.Stdout = h.stdout.String()
	}
	if h.stderr != nil {
		h.result.Stderr = h.stderr.String()
	}
	switch {
	case h.stopRequested || waitErr == nil:
		h.state = Terminated
	default:
		h.state = Failed
		h.err = waitErr
	}
	state := h.state
	h.mu.Unlock()
	close(h.done)

	if state == Failed {
		s.logger.Warn("process exited unexpectedly", "endpoint", h.Endpoint, "cmd", h.Command.String(), "exit", h.result.ExitCode, "error", waitErr)
	} else {
		s.logger.Debug("process exited", "endpoint", h.Endpoint, "cmd", h.Command.String(), "exit", h.result.ExitCode)
	}
	s.notify()
}

// Stop sends SIGTERM to the process group. Stopping an exited process is a no-op.
func (s *Supervisor) Stop(h *Handle) error {
	h.mu.Lock()
	if h.state == Terminated || h.state == Failed {
		h.mu.Unlock()
		return nil
	}
	h.stopRequested = true
	h.mu.Unlock()
	if err := signalGroup(h.PID(), sigTerm); err != nil {
		return fmt.Errorf("stop %s on %s: %w", h.Command.Program, h.Endpoint, err)
	}
	return nil
}

// StopAll stops the given handles, escalating to SIGKILL for any still
// running after the grace period. It returns the joined signalling errors.
// An empty list stops nothing.
func (s *Supervisor) StopAll(handles []*Handle) error {
	var errs []error
	var live []*Handle
	for _, h := range handles {
		select {
		case <-h.done:
			continue
		default:
		}
		live = append(live, h)
		if err := s.Stop(h); err != nil {
			errs = append(errs, err)
		}
	}

	deadline := time.NewTimer(s.cfg.StopGrace)
	defer deadline.Stop()
	for _, h := range live {
		select {
		case <-h.done:
			continue
		case <-deadline.C:
		}
		// Grace expired; every remaining handle gets SIGKILL.
		for _, rest := range live {
			select {
			case <-rest.done:
				continue
			default:
			}
			s.logger.Warn("process ignored SIGTERM, killing", "endpoint", rest.Endpoint, "cmd", rest.Command.String())
			if err := signalGroup(rest.PID(), sigKill); err != nil {
				errs = append(errs, fmt.Errorf("kill %s on %s: %w", rest.Command.Program, rest.Endpoint, err))
			}
		}
		for _, rest := range live {
			<-rest.done
		}
		break
	}
	return errors.Join(errs...)
}

// StopEverything is StopAll over every handle this supervisor started.
func (s *Supervisor) StopEverything() error {
	return s.StopAll(s.Handles())
}

// Handles returns every handle started so far, in start order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Running counts handles that have not exited.
func (s *Supervisor) Running() int {
	n := 0
	for _, h := range s.Handles() {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

func (s *Supervisor) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.Running())
	}
}

// Run executes a one-shot command on endpoint and returns its captured output.
// A non-zero exit is returned as an error alongside the result.
func (s *Supervisor) Run(ctx context.Context, endpoint string, c Command) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	cmd, err := s.exec.Command(ctx, endpoint, c)
	if err != nil {
		return Result{}, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Endpoint: endpoint, Command: c, Err: err}
	}
	err = cmd.Wait()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	if err != nil {
		return res, fmt.Errorf("%s on %s: %w", c.Program, endpoint, err)
	}
	return res, nil
}

// Sweep SIGKILLs every process whose command line contains one of patterns,
// except this process. It returns how many were signalled.
func (s *Supervisor) Sweep(patterns []string) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	fs, err := procfs.NewFS(s.cfg.ProcRoot)
	if err != nil {
		return 0, fmt.Errorf("procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	killed := 0
	var errs []error
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		line := strings.Join(args, " ")
		if !matchesAny(line, patterns) {
			continue
		}
		if err := killPID(p.PID); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", p.PID, err))
			continue
		}
		killed++
		s.logger.Info("swept stray process", "pid", p.PID, "cmdline", line)
	}
	return killed, errors.Join(errs...)
}

func matchesAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(line, p) {
			return true
		}
	}
	return false
}
