package probe

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSupervisor struct {
	started []string
	opts    []process.Options
	stopped int
}

func (f *fakeSupervisor) Start(endpoint string, c process.Command, opts process.Options) (*process.Handle, error) {
	f.started = append(f.started, endpoint+": "+c.String())
	f.opts = append(f.opts, opts)
	return &process.Handle{Endpoint: endpoint, Command: c}, nil
}

func (f *fakeSupervisor) StopAll(handles []*process.Handle) error {
	f.stopped += len(handles)
	return nil
}

func testConfig(t *testing.T, preset string) config.Config {
	t.Helper()
	delay := 10.0
	cfg := config.Config{BandwidthNetMbps: 1.5, DelayMs: &delay, Dir: t.TempDir()}
	cfg.Topology.Preset = preset
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	return cfg
}

func addr(name string) string {
	return map[string]string{"h1": "10.0.0.1", "h2": "10.0.0.2"}[name]
}

func TestSpecsClassic(t *testing.T) {
	cfg := testConfig(t, config.PresetClassic)
	specs := Specs(cfg, addr)
	if len(specs) != 1 {
		t.Fatalf("specs = %d, want 1", len(specs))
	}
	s := specs[0]
	if s.Source != "h1" || s.Target != "h2" || s.TargetAddress != "10.0.0.2" {
		t.Fatalf("spec = %+v", s)
	}
	if s.Output != filepath.Join(cfg.Dir, "ping_h1_h2.txt") {
		t.Fatalf("output = %q", s.Output)
	}
}

func TestSpecsFanIn(t *testing.T) {
	specs := Specs(testConfig(t, config.PresetFanIn), addr)
	var sources []string
	for _, s := range specs {
		if s.Target != "h1" {
			t.Fatalf("target = %q, want h1", s.Target)
		}
		sources = append(sources, s.Source)
	}
	if got := strings.Join(sources, ","); got != "h2,h4,h5" {
		t.Fatalf("sources = %s, want h2,h4,h5", got)
	}
}

func TestPingModeStartAndStop(t *testing.T) {
	cfg := testConfig(t, config.PresetClassic)
	sup := &fakeSupervisor{}
	o := New(sup, cfg, nil)
	if err := o.StartProbes(context.Background(), Specs(cfg, addr)); err != nil {
		t.Fatalf("StartProbes error: %v", err)
	}
	if len(sup.started) != 1 || sup.started[0] != "h1: ping 10.0.0.2 -i 0.1" {
		t.Fatalf("started = %v", sup.started)
	}
	if !strings.HasSuffix(sup.opts[0].RedirectFile, "ping_h1_h2.txt") {
		t.Fatalf("redirect = %q", sup.opts[0].RedirectFile)
	}
	if err := o.StopAll(); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	if err := o.StopAll(); err != nil {
		t.Fatalf("second StopAll error: %v", err)
	}
	if sup.stopped != 1 {
		t.Fatalf("stopped = %d, want 1", sup.stopped)
	}
}

func TestICMPModeRejectsUnknownSource(t *testing.T) {
	cfg := testConfig(t, config.PresetClassic)
	cfg.Probe.Mode = config.ProbeModeICMP
	o := New(&fakeSupervisor{}, cfg, nil)
	o.Namespace = func(string) (string, bool) { return "", false }
	if err := o.StartProbes(context.Background(), Specs(cfg, addr)); err == nil {
		t.Fatalf("StartProbes error = nil, want unknown endpoint")
	}
	if err := o.StopAll(); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
}

func TestParse(t *testing.T) {
	const out = `PING 10.0.0.2 (10.0.0.2) 56(84) bytes of data.
64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=40.5 ms
64 bytes from 10.0.0.2: icmp_seq=2 ttl=64 time=1012 ms
Request timeout for icmp_seq 3
64 bytes from 10.0.0.2: icmp_seq=4 ttl=64 time<1 ms
`
	got, err := Parse(strings.NewReader(out))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := []float64{0.0405, 1.012, 0.001}
	if len(got) != len(want) {
		t.Fatalf("Parse = %v, want %v", got, want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("ParseFile = %#v, want empty non-nil", got)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("ParseFile missing error = nil")
	}
}

func TestStartProbesCancelledContext(t *testing.T) {
	cfg := testConfig(t, config.PresetFanIn)
	sup := &fakeSupervisor{}
	o := New(sup, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.StartProbes(ctx, Specs(cfg, addr)); !errors.Is(err, context.Canceled) {
		t.Fatalf("StartProbes err = %v, want context.Canceled", err)
	}
	if len(sup.started) != 0 {
		t.Fatalf("started = %v, want none", sup.started)
	}
	if err := o.StopAll(); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
}
