// Package fetch times short web page downloads from client endpoints while
// the bottleneck queue is loaded.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
	"github.com/NodePath81/bufferbloat/internal/util"
)

// Error is a fetch that produced no usable timing.
type Error struct {
	Client string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch from %s: %v", e.Client, e.Err)
	}
	return fmt.Sprintf("fetch from %s: invalid timing output %q", e.Client, e.Output)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher downloads the page once from client and returns the total time in
// seconds.
type Fetcher interface {
	Fetch(ctx context.Context, client, server string) (float64, error)
}

// Runner runs a one-shot command on an endpoint.
type Runner interface {
	Run(ctx context.Context, endpoint string, c process.Command) (process.Result, error)
}

// CurlFetcher times `curl -o /dev/null -s -w %{time_total}`.
type CurlFetcher struct {
	Runner  Runner
	Program string
	Port    int
}

func (f CurlFetcher) Command(server string) process.Command {
	return process.Command{Program: f.Program, Args: []string{
		"-o", "/dev/null", "-s", "-w", "%{time_total}",
		"http://" + util.NetJoin(server, f.Port),
	}}
}

func (f CurlFetcher) Fetch(ctx context.Context, client, server string) (float64, error) {
	res, err := f.Runner.Run(ctx, client, f.Command(server))
	if err != nil {
		return 0, &Error{Client: client, Output: res.Stdout, Err: err}
	}
	return ParseTiming(client, res.Stdout)
}

// ParseTiming reads curl's time_total output.
func ParseTiming(client, output string) (float64, error) {
	out := strings.TrimSpace(output)
	if out == "" {
		return 0, &Error{Client: client, Err: errors.New("empty output")}
	}
	v, err := strconv.ParseFloat(out, 64)
	if err != nil || v < 0 {
		return 0, &Error{Client: client, Output: out}
	}
	return v, nil
}

// Series holds the timings collected per client. Clients keeps the
// configured order; every client has a non-nil slice.
type Series struct {
	Clients []string
	Samples map[string][]float64
}

// Sampler issues bursts of fetches from every client.
type Sampler struct {
	fetcher       Fetcher
	burstSize     int
	burstInterval time.Duration
	strict        bool
	logger        util.Logger

	// OnSample and OnFailure observe each fetch outcome.
	OnSample  func(client string, seconds float64)
	OnFailure func(client string, err error)
}

func NewSampler(fetcher Fetcher, cfg config.FetchConfig, logger util.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		fetcher:       fetcher,
		burstSize:     cfg.BurstSize,
		burstInterval: cfg.BurstInterval.Duration(),
		strict:        cfg.StrictDeadline,
		logger:        logger,
	}
}

// Run keeps issuing bursts until total has elapsed: each round fetches
// burstSize times from every client in order, then sleeps burstInterval. The
// deadline is checked before each round, so the last round may run past it
// unless strict deadlines are enabled, which also stops mid-round. A
// cancelled ctx returns what was collected so far.
func (s *Sampler) Run(ctx context.Context, clients []string, server string, total time.Duration) Series {
	series := Series{
		Clients: append([]string(nil), clients...),
		Samples: make(map[string][]float64, len(clients)),
	}
	for _, c := range clients {
		series.Samples[c] = []float64{}
	}
	start := time.Now()
	for time.Since(start) < total {
		for i := 0; i < s.burstSize; i++ {
			for _, client := range clients {
				if ctx.Err() != nil {
					return series
				}
				if s.strict && time.Since(start) >= total {
					return series
				}
				v, err := s.fetcher.Fetch(ctx, client, server)
				if err != nil {
					if ctx.Err() != nil {
						return series
					}
					s.logger.Warn("fetch failed", "client", client, "error", err)
					if s.OnFailure != nil {
						s.OnFailure(client, err)
					}
					continue
				}
				series.Samples[client] = append(series.Samples[client], v)
				if s.OnSample != nil {
					s.OnSample(client, v)
				}
			}
		}
		t := time.NewTimer(s.burstInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return series
		case <-t.C:
		}
		left := max(0, (total - time.Since(start)).Seconds())
		s.logger.Info("fetch round done", "remaining_s", math.Round(left*10)/10)
	}
	return series
}
