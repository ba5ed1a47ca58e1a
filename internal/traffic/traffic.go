// Package traffic starts the bulk TCP flows that fill the bottleneck queue.
package traffic

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
	"github.com/NodePath81/bufferbloat/internal/util"
)

// Starter launches a long-running process on an endpoint.
type Starter interface {
	Start(endpoint string, c process.Command, opts process.Options) (*process.Handle, error)
}

type ServerSpec struct {
	Endpoint string
	Port     int
}

type ClientSpec struct {
	Endpoint      string
	TargetAddress string
	TargetPort    int
	Duration      time.Duration
}

// Orchestrator builds iperf command lines and starts them.
type Orchestrator struct {
	starter Starter
	program string
	window  string
	grace   time.Duration
	logger  util.Logger

	// OnSpawnFailure is called once per process that failed to start.
	OnSpawnFailure func()
}

func New(starter Starter, cfg config.Config, logger util.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		starter: starter,
		program: cfg.Tools.Iperf,
		window:  cfg.Traffic.Window,
		grace:   cfg.Traffic.Grace.Duration(),
		logger:  logger,
	}
}

// Specs pairs every traffic client with its own server port on the traffic
// server, ports counting up from traffic.base_port.
func Specs(cfg config.Config, address func(endpoint string) string) ([]ServerSpec, []ClientSpec) {
	servers := cfg.HostsWithRole(config.RoleTrafficServer)
	if len(servers) == 0 {
		return nil, nil
	}
	server := servers[0].Name
	var ss []ServerSpec
	var cs []ClientSpec
	for i, client := range cfg.HostsWithRole(config.RoleTrafficClient) {
		port := cfg.Traffic.BasePort + i
		ss = append(ss, ServerSpec{Endpoint: server, Port: port})
		cs = append(cs, ClientSpec{
			Endpoint:      client.Name,
			TargetAddress: address(server),
			TargetPort:    port,
			Duration:      cfg.Duration.Duration(),
		})
	}
	return ss, cs
}

func (o *Orchestrator) ServerCommand(spec ServerSpec) process.Command {
	args := []string{"-s", "-p", strconv.Itoa(spec.Port)}
	if o.window != "" {
		args = append(args, "-w", o.window)
	}
	return process.Command{Program: o.program, Args: args}
}

func (o *Orchestrator) ClientCommand(spec ClientSpec) process.Command {
	secs := int(spec.Duration.Round(time.Second) / time.Second)
	return process.Command{Program: o.program, Args: []string{
		"-c", spec.TargetAddress,
		"-p", strconv.Itoa(spec.TargetPort),
		"-t", strconv.Itoa(secs),
	}}
}

// StartServers starts every server then waits the grace period so clients
// do not race them. Failures are logged and joined; handles cover what started.
func (o *Orchestrator) StartServers(ctx context.Context, specs []ServerSpec) ([]*process.Handle, error) {
	var handles []*process.Handle
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		h, err := o.start(spec.Endpoint, o.ServerCommand(spec))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles = append(handles, h)
	}
	if len(handles) > 0 && o.grace > 0 {
		t := time.NewTimer(o.grace)
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		case <-t.C:
		}
		t.Stop()
	}
	return handles, errors.Join(errs...)
}

// StartClients starts every client. Clients are independent: one failing to
// start does not stop the others. Nothing more starts once ctx is done.
func (o *Orchestrator) StartClients(ctx context.Context, specs []ClientSpec) ([]*process.Handle, error) {
	var handles []*process.Handle
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		h, err := o.start(spec.Endpoint, o.ClientCommand(spec))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

func (o *Orchestrator) start(endpoint string, c process.Command) (*process.Handle, error) {
	h, err := o.starter.Start(endpoint, c, process.Options{})
	if err != nil {
		o.logger.Error("traffic process failed to start", "endpoint", endpoint, "cmd", c.String(), "error", err)
		if o.OnSpawnFailure != nil {
			o.OnSpawnFailure()
		}
		return nil, err
	}
	o.logger.Info("traffic started", "endpoint", endpoint, "cmd", c.String())
	return h, nil
}
