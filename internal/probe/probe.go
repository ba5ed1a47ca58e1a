// Package probe measures round-trip latency across the bottleneck while the
// experiment runs, either through the ping utility or a native ICMP loop.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
	"github.com/NodePath81/bufferbloat/internal/util"
)

// Spec is one probe path.
type Spec struct {
	Source        string
	Target        string
	TargetAddress string
	Interval      time.Duration
	Output        string
}

// Supervisor is the subset of process.Supervisor the probes use.
type Supervisor interface {
	Start(endpoint string, c process.Command, opts process.Options) (*process.Handle, error)
	StopAll(handles []*process.Handle) error
}

// FileName is the default output file for a probe path.
func FileName(source, target string) string {
	return fmt.Sprintf("ping_%s_%s.txt", source, target)
}

// Specs probes from every probe_source host to the bottleneck host.
func Specs(cfg config.Config, address func(endpoint string) string) []Spec {
	var target string
	for _, h := range cfg.Topology.Hosts {
		if h.Bottleneck {
			target = h.Name
		}
	}
	var specs []Spec
	for _, src := range cfg.HostsWithRole(config.RoleProbeSource) {
		if src.Name == target {
			continue
		}
		specs = append(specs, Spec{
			Source:        src.Name,
			Target:        target,
			TargetAddress: address(target),
			Interval:      cfg.Probe.Interval.Duration(),
			Output:        filepath.Join(cfg.Dir, FileName(src.Name, target)),
		})
	}
	return specs
}

// Orchestrator runs probes until StopAll.
type Orchestrator struct {
	sup     Supervisor
	mode    string
	program string
	logger  util.Logger
	// Namespace resolves an endpoint to its network namespace for icmp mode.
	Namespace func(endpoint string) (string, bool)

	mu      sync.Mutex
	handles []*process.Handle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    []error
}

func New(sup Supervisor, cfg config.Config, logger util.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sup:     sup,
		mode:    cfg.Probe.Mode,
		program: cfg.Tools.Ping,
		logger:  logger,
	}
}

// Command is the ping invocation for a spec.
func (o *Orchestrator) Command(spec Spec) process.Command {
	return process.Command{Program: o.program, Args: []string{
		spec.TargetAddress, "-i", util.FormatSeconds(spec.Interval.Seconds()),
	}}
}

// StartProbes starts one probe per spec. Probes that fail to start are
// logged and joined into the returned error; the rest keep running. Nothing
// more starts once ctx is done.
func (o *Orchestrator) StartProbes(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var err error
		if o.mode == config.ProbeModeICMP {
			err = o.startICMP(ctx, spec)
		} else {
			err = o.startPing(spec)
		}
		if err != nil {
			o.logger.Error("probe failed to start", "source", spec.Source, "target", spec.Target, "error", err)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("probe started", "source", spec.Source, "target", spec.TargetAddress, "mode", o.mode, "output", spec.Output)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) startPing(spec Spec) error {
	h, err := o.sup.Start(spec.Source, o.Command(spec), process.Options{RedirectFile: spec.Output})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) startICMP(ctx context.Context, spec Spec) error {
	ns := ""
	if o.Namespace != nil {
		var ok bool
		if ns, ok = o.Namespace(spec.Source); !ok {
			return fmt.Errorf("%s: %w", spec.Source, process.ErrUnknownEndpoint)
		}
	}
	p, err := newPinger(ns, spec)
	if err != nil {
		return err
	}
	ctx = o.runContext(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := p.run(ctx); err != nil {
			o.logger.Warn("icmp probe ended", "source", spec.Source, "error", err)
			o.mu.Lock()
			o.errs = append(o.errs, err)
			o.mu.Unlock()
		}
	}()
	return nil
}

// runContext is shared by every native probe so StopAll can end them together.
func (o *Orchestrator) runContext(parent context.Context) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		o.ctx, o.cancel = context.WithCancel(parent)
	}
	return o.ctx
}

// StopAll terminates every probe. Calling it again is a no-op.
func (o *Orchestrator) StopAll() error {
	o.mu.Lock()
	handles := o.handles
	o.handles = nil
	cancel := o.cancel
	o.ctx, o.cancel = nil, nil
	o.mu.Unlock()

	var errs []error
	if err := o.sup.StopAll(handles); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.mu.Lock()
	errs = append(errs, o.errs...)
	o.errs = nil
	o.mu.Unlock()
	return errors.Join(errs...)
}
