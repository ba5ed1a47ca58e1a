package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSupervisor(grace time.Duration) *Supervisor {
	return NewSupervisor(LocalExecutor{}, nil, SupervisorConfig{StopGrace: grace})
}

func TestStartCaptureAndWait(t *testing.T) {
	s := newTestSupervisor(time.Second)
	h, err := s.Start("h1", Command{Program: "sh", Args: []string{"-c", "echo out; echo err >&2"}}, Options{CaptureOutput: true})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.State() != Terminated {
		t.Fatalf("state = %v, want terminated", h.State())
	}
}

func TestStartRedirectFile(t *testing.T) {
	s := newTestSupervisor(time.Second)
	path := filepath.Join(t.TempDir(), "ping.txt")
	h, err := s.Start("h1", Command{Program: "echo", Args: []string{"hello"}}, Options{RedirectFile: path})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "hello\n" {
		t.Fatalf("file = %q, want hello", raw)
	}
}

func TestStartSpawnError(t *testing.T) {
	s := newTestSupervisor(time.Second)
	_, err := s.Start("h1", Command{Program: "/nonexistent/binary"}, Options{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
	if spawnErr.Endpoint != "h1" {
		t.Fatalf("endpoint = %q, want h1", spawnErr.Endpoint)
	}
}

func TestUnexpectedExitFails(t *testing.T) {
	s := newTestSupervisor(time.Second)
	h, err := s.Start("h1", Command{Program: "sh", Args: []string{"-c", "exit 3"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := h.Wait()
	if err == nil {
		t.Fatalf("Wait error = nil, want exit error")
	}
	if res.ExitCode != 3 || h.State() != Failed {
		t.Fatalf("exit = %d state = %v, want 3 failed", res.ExitCode, h.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(time.Second)
	h, err := s.Start("h1", Command{Program: "sleep", Args: []string{"60"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Stop(h); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait after stop error: %v", err)
	}
	if h.State() != Terminated {
		t.Fatalf("state = %v, want terminated", h.State())
	}
	if err := s.Stop(h); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

func TestStopAllEscalates(t *testing.T) {
	s := newTestSupervisor(200 * time.Millisecond)
	stubborn := Command{Program: "sh", Args: []string{"-c", "trap '' TERM; sleep 60 & wait"}}
	h1, err := s.Start("h1", stubborn, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	h2, err := s.Start("h2", Command{Program: "sleep", Args: []string{"60"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.StopEverything(); err != nil {
		t.Fatalf("StopEverything error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("StopEverything took %v", elapsed)
	}
	for _, h := range []*Handle{h1, h2} {
		select {
		case <-h.Done():
		default:
			t.Fatalf("%s still running", h.Endpoint)
		}
	}
	if s.Running() != 0 {
		t.Fatalf("Running = %d, want 0", s.Running())
	}
	if err := s.StopEverything(); err != nil {
		t.Fatalf("second StopEverything error: %v", err)
	}
}

func TestRun(t *testing.T) {
	s := newTestSupervisor(time.Second)
	res, err := s.Run(context.Background(), "h2", Command{Program: "printf", Args: []string{"0.123"}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Stdout != "0.123" {
		t.Fatalf("stdout = %q", res.Stdout)
	}

	res, err = s.Run(context.Background(), "h2", Command{Program: "sh", Args: []string{"-c", "exit 7"}})
	if err == nil || res.ExitCode != 7 {
		t.Fatalf("Run = %+v, %v, want exit 7", res, err)
	}
}

func TestRunHonoursContext(t *testing.T) {
	s := newTestSupervisor(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := s.Run(ctx, "h2", Command{Program: "sleep", Args: []string{"30"}}); err == nil {
		t.Fatalf("Run error = nil, want cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run ignored context")
	}
}

func TestOnChangeTracksRunning(t *testing.T) {
	counts := make(chan int, 16)
	s := NewSupervisor(LocalExecutor{}, nil, SupervisorConfig{OnChange: func(n int) { counts <- n }})
	h, err := s.Start("h1", Command{Program: "true"}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	h.Wait()
	// The reaper's notification follows close(done).
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-counts:
			if n == 0 {
				return
			}
		case <-deadline:
			t.Fatalf("never saw running count drop to 0")
		}
	}
}

func TestNetnsExecutor(t *testing.T) {
	e := NetnsExecutor{Resolve: func(name string) (string, bool) { return "ns-" + name, name == "h1" }}
	cmd, err := e.Command(context.Background(), "h1", Command{Program: "ping", Args: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("Command error: %v", err)
	}
	if got, want := strings.Join(cmd.Args, " "), "ip netns exec ns-h1 ping 10.0.0.2"; got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
	if _, err := e.Command(context.Background(), "h9", Command{Program: "true"}); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("err = %v, want ErrUnknownEndpoint", err)
	}
}

func TestSweepMatchesPattern(t *testing.T) {
	s := newTestSupervisor(time.Second)
	h, err := s.Start("h1", Command{Program: "sleep", Args: []string{"61.5"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	n, err := s.Sweep([]string{"sleep 61.5"})
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	h.Wait()
	if n, _ := s.Sweep([]string{"sleep 61.5"}); n != 0 {
		t.Fatalf("second sweep killed %d, want 0", n)
	}
}

func TestStartRejectsInvalidCommand(t *testing.T) {
	s := newTestSupervisor(time.Second)
	for _, c := range []Command{{Program: " "}, {Program: "echo", Args: []string{"a\x00b"}}} {
		if _, err := s.Start("h1", c, Options{}); err == nil {
			t.Fatalf("Start(%q) error = nil", c.String())
		}
	}
}

func TestStopAllSubset(t *testing.T) {
	s := newTestSupervisor(time.Second)
	a, err := s.Start("h1", Command{Program: "sleep", Args: []string{"60"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	b, err := s.Start("h2", Command{Program: "sleep", Args: []string{"60"}}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.StopAll([]*Handle{a}); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	if b.State() != Running {
		t.Fatalf("h2 state = %v, want running", b.State())
	}
	if err := s.StopAll(nil); err != nil {
		t.Fatalf("StopAll(nil) error: %v", err)
	}
	if b.State() != Running {
		t.Fatalf("StopAll(nil) stopped h2: state = %v", b.State())
	}
	if err := s.StopEverything(); err != nil {
		t.Fatalf("StopEverything error: %v", err)
	}
	if b.State() != Terminated {
		t.Fatalf("h2 state = %v, want terminated", b.State())
	}
}
