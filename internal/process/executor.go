package process

import (
	"context"
	"errors"
	"os/exec"
)

// ErrUnknownEndpoint is returned when a command targets an endpoint the
// executor cannot resolve.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Executor turns a command aimed at an endpoint into a runnable exec.Cmd.
type Executor interface {
	Command(ctx context.Context, endpoint string, c Command) (*exec.Cmd, error)
}

// LocalExecutor runs every command on the current host, ignoring the endpoint.
type LocalExecutor struct{}

func (LocalExecutor) Command(ctx context.Context, endpoint string, c Command) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, c.Program, c.Args...), nil
}

// NetnsExecutor runs commands inside the endpoint's network namespace with
// `ip netns exec`.
type NetnsExecutor struct {
	// IP is the iproute2 binary. Defaults to "ip".
	IP string
	// Resolve maps an endpoint name to its namespace.
	Resolve func(endpoint string) (string, bool)
}

func (e NetnsExecutor) Command(ctx context.Context, endpoint string, c Command) (*exec.Cmd, error) {
	if e.Resolve == nil {
		return nil, ErrUnknownEndpoint
	}
	ns, ok := e.Resolve(endpoint)
	if !ok {
		return nil, ErrUnknownEndpoint
	}
	ip := e.IP
	if ip == "" {
		ip = "ip"
	}
	args := append([]string{"netns", "exec", ns, c.Program}, c.Args...)
	return exec.CommandContext(ctx, ip, args...), nil
}
