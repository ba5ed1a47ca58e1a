package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fail  map[string]bool
}

func (f *scriptedFetcher) Fetch(ctx context.Context, client, server string) (float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, client)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[client] {
		return 0, &Error{Client: client, Err: errors.New("empty output")}
	}
	return 0.5, nil
}

func fetchConfig(interval time.Duration, strict bool) config.FetchConfig {
	return config.FetchConfig{BurstSize: 3, BurstInterval: config.Duration(interval), StrictDeadline: strict}
}

func TestRunBurstOrder(t *testing.T) {
	f := &scriptedFetcher{}
	s := NewSampler(f, fetchConfig(10*time.Millisecond, false), nil)
	series := s.Run(context.Background(), []string{"h2", "h4"}, "10.0.0.1", time.Millisecond)
	want := "h2,h4,h2,h4,h2,h4"
	if got := strings.Join(f.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	if len(series.Samples["h2"]) != 3 || len(series.Samples["h4"]) != 3 {
		t.Fatalf("samples = %v", series.Samples)
	}
}

func TestRunDropsFailedFetches(t *testing.T) {
	f := &scriptedFetcher{fail: map[string]bool{"h4": true}}
	s := NewSampler(f, fetchConfig(time.Millisecond, false), nil)
	failures := 0
	s.OnFailure = func(string, error) { failures++ }
	series := s.Run(context.Background(), []string{"h2", "h4"}, "10.0.0.1", time.Millisecond)
	if got := series.Samples["h4"]; got == nil || len(got) != 0 {
		t.Fatalf("h4 samples = %#v, want empty non-nil", got)
	}
	if failures != 3 {
		t.Fatalf("failures = %d, want 3", failures)
	}
}

func TestRunDeadlineCheckedBetweenRounds(t *testing.T) {
	f := &scriptedFetcher{delay: 20 * time.Millisecond}
	s := NewSampler(f, fetchConfig(time.Millisecond, false), nil)
	s.Run(context.Background(), []string{"h2"}, "10.0.0.1", 30*time.Millisecond)
	// The first round always completes even though it overruns the deadline.
	if len(f.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(f.calls))
	}
}

func TestRunStrictDeadline(t *testing.T) {
	f := &scriptedFetcher{delay: 20 * time.Millisecond}
	s := NewSampler(f, fetchConfig(time.Millisecond, true), nil)
	s.Run(context.Background(), []string{"h2"}, "10.0.0.1", 30*time.Millisecond)
	if len(f.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(f.calls))
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scriptedFetcher{}
	series := NewSampler(f, fetchConfig(time.Second, false), nil).Run(ctx, []string{"h2"}, "10.0.0.1", time.Hour)
	if len(f.calls) != 0 || series.Samples["h2"] == nil {
		t.Fatalf("calls = %d samples = %#v", len(f.calls), series.Samples)
	}
}

type fakeRunner struct {
	res process.Result
	err error
	got process.Command
}

func (r *fakeRunner) Run(ctx context.Context, endpoint string, c process.Command) (process.Result, error) {
	r.got = c
	return r.res, r.err
}

func TestCurlFetcher(t *testing.T) {
	r := &fakeRunner{res: process.Result{Stdout: "0.123456"}}
	f := CurlFetcher{Runner: r, Program: "curl", Port: 8000}
	v, err := f.Fetch(context.Background(), "h2", "10.0.0.1")
	if err != nil || v != 0.123456 {
		t.Fatalf("Fetch = %v, %v", v, err)
	}
	if got, want := r.got.String(), "curl -o /dev/null -s -w %{time_total} http://10.0.0.1:8000"; got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func TestCurlFetcherRejectsBadOutput(t *testing.T) {
	cases := map[string]*fakeRunner{
		"empty":       {res: process.Result{Stdout: ""}},
		"non-numeric": {res: process.Result{Stdout: "oops"}},
		"exit":        {res: process.Result{Stdout: "0.000000", ExitCode: 7}, err: errors.New("exit status 7")},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			f := CurlFetcher{Runner: r, Program: "curl", Port: 8000}
			_, err := f.Fetch(context.Background(), "h2", "10.0.0.1")
			var fe *Error
			if !errors.As(err, &fe) || fe.Client != "h2" {
				t.Fatalf("err = %v, want *Error for h2", err)
			}
		})
	}
}

func TestRunLogsRemainingTimeAsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewSampler(&scriptedFetcher{}, fetchConfig(time.Millisecond, false), logger)
	s.Run(context.Background(), []string{"h2"}, "10.0.0.1", time.Millisecond)

	line, _, _ := strings.Cut(buf.String(), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("decode log %q: %v", line, err)
	}
	if rec["msg"] != "fetch round done" {
		t.Fatalf("msg = %v, want fetch round done", rec["msg"])
	}
	if _, ok := rec["remaining_s"].(float64); !ok {
		t.Fatalf("remaining_s = %v, want a number", rec["remaining_s"])
	}
}
