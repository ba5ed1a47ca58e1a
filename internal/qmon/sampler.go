// Package qmon samples the depth of a network interface's queue at a fixed
// period.
package qmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NodePath81/bufferbloat/internal/util"
)

// Sample is one queue depth reading, in packets, taken Elapsed after the
// sampler started.
type Sample struct {
	Elapsed time.Duration
	Depth   int
}

// DepthReader reads the current queue depth of an interface.
type DepthReader interface {
	Depth(iface string) (int, error)
}

// Sink receives samples from the sampler goroutine only.
type Sink interface {
	Record(Sample)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Sample)

func (f SinkFunc) Record(s Sample) { f(s) }

// ReadError reports a failed depth read. The sample is skipped.
type ReadError struct {
	Iface string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read queue depth of %s: %v", e.Iface, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Sampler reads queue depth every interval until stopped. Tick k fires at
// start + k*interval so scheduling error does not accumulate.
type Sampler struct {
	iface    string
	interval time.Duration
	reader   DepthReader
	sink     Sink
	logger   util.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	samples int
	errors  int
}

// Start launches the sampling goroutine. It stops when ctx is cancelled or
// Stop is called.
func Start(ctx context.Context, iface string, interval time.Duration, reader DepthReader, sink Sink, logger util.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Sampler{
		iface:    iface,
		interval: interval,
		reader:   reader,
		sink:     sink,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)
	start := time.Now()
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for k := 1; ; k++ {
		if k > 1 {
			wait := time.Until(start.Add(time.Duration(k) * s.interval))
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// A tick that raced with Stop must not write.
		if ctx.Err() != nil {
			return
		}
		depth, err := s.reader.Depth(s.iface)
		if err != nil {
			s.mu.Lock()
			s.errors++
			first := s.errors == 1
			s.mu.Unlock()
			readErr := &ReadError{Iface: s.iface, Err: err}
			if first {
				s.logger.Warn("queue sample failed", "error", readErr)
			} else {
				s.logger.Debug("queue sample failed", "error", readErr)
			}
			continue
		}
		s.mu.Lock()
		s.samples++
		s.mu.Unlock()
		s.sink.Record(Sample{Elapsed: time.Since(start), Depth: depth})
	}
}

// Stop ends sampling and waits for the goroutine to exit. No sink writes
// happen after Stop returns.
func (s *Sampler) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

// Counts returns how many samples were recorded and how many reads failed.
func (s *Sampler) Counts() (samples, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples, s.errors
}
