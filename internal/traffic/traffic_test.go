package traffic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
)

type recordingStarter struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingStarter) Start(endpoint string, c process.Command, opts process.Options) (*process.Handle, error) {
	r.calls = append(r.calls, endpoint+": "+c.String())
	if r.fail[endpoint] {
		return nil, &process.SpawnError{Endpoint: endpoint, Command: c, Err: errors.New("no such program")}
	}
	return &process.Handle{Endpoint: endpoint, Command: c}, nil
}

func testConfig(t *testing.T, preset string) config.Config {
	t.Helper()
	delay := 10.0
	cfg := config.Config{BandwidthNetMbps: 1.5, DelayMs: &delay, Dir: t.TempDir()}
	cfg.Topology.Preset = preset
	cfg.Traffic.Grace = config.Duration(time.Millisecond)
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	return cfg
}

func addr(name string) string {
	return map[string]string{"h1": "10.0.0.1", "h2": "10.0.0.2"}[name]
}

func TestClassicCommands(t *testing.T) {
	cfg := testConfig(t, config.PresetClassic)
	servers, clients := Specs(cfg, addr)
	if len(servers) != 1 || len(clients) != 1 {
		t.Fatalf("specs = %v %v", servers, clients)
	}
	r := &recordingStarter{}
	o := New(r, cfg, nil)
	if _, err := o.StartServers(context.Background(), servers); err != nil {
		t.Fatalf("StartServers error: %v", err)
	}
	if _, err := o.StartClients(context.Background(), clients); err != nil {
		t.Fatalf("StartClients error: %v", err)
	}
	want := []string{
		"h2: iperf -s -p 5001 -w 16m",
		"h1: iperf -c 10.0.0.2 -p 5001 -t 10",
	}
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", r.calls, want)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, r.calls[i], want[i])
		}
	}
}

func TestFanInPortsPerClient(t *testing.T) {
	cfg := testConfig(t, config.PresetFanIn)
	servers, clients := Specs(cfg, addr)
	if len(servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(servers))
	}
	for i, c := range clients {
		if c.TargetAddress != "10.0.0.1" || c.TargetPort != 5001+i || servers[i].Endpoint != "h1" {
			t.Fatalf("client %d = %+v server %+v", i, c, servers[i])
		}
	}
}

func TestClientFailureDoesNotStopOthers(t *testing.T) {
	cfg := testConfig(t, config.PresetFanIn)
	_, clients := Specs(cfg, addr)
	r := &recordingStarter{fail: map[string]bool{"h4": true}}
	o := New(r, cfg, nil)
	failures := 0
	o.OnSpawnFailure = func() { failures++ }
	handles, err := o.StartClients(context.Background(), clients)
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want SpawnError", err)
	}
	if len(handles) != 2 || failures != 1 {
		t.Fatalf("handles = %d failures = %d, want 2 and 1", len(handles), failures)
	}
}

func TestCancelledContextStartsNothing(t *testing.T) {
	cfg := testConfig(t, config.PresetFanIn)
	servers, clients := Specs(cfg, addr)
	r := &recordingStarter{}
	o := New(r, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.StartServers(ctx, servers); !errors.Is(err, context.Canceled) {
		t.Fatalf("StartServers err = %v, want context.Canceled", err)
	}
	if _, err := o.StartClients(ctx, clients); !errors.Is(err, context.Canceled) {
		t.Fatalf("StartClients err = %v, want context.Canceled", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("calls = %v, want none", r.calls)
	}
}
