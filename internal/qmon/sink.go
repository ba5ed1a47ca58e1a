package qmon

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
)

const sinkBuffer = 256

// FileSink appends "elapsed_seconds,depth" lines to a file. Record hands the
// sample to a single writer goroutine; Close drains it and flushes.
type FileSink struct {
	f      *os.File
	ch     chan Sample
	done   chan struct{}
	fanout []Sink

	closeOnce sync.Once
	err       error
}

// NewFileSink truncates path and starts the writer. Every recorded sample is
// also passed to fanout sinks, in the writer goroutine.
func NewFileSink(path string, fanout ...Sink) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &FileSink{
		f:      f,
		ch:     make(chan Sample, sinkBuffer),
		done:   make(chan struct{}),
		fanout: fanout,
	}
	go s.run()
	return s, nil
}

func (s *FileSink) run() {
	defer close(s.done)
	w := bufio.NewWriter(s.f)
	var errs []error
	for sample := range s.ch {
		if _, err := fmt.Fprintf(w, "%.6f,%d\n", sample.Elapsed.Seconds(), sample.Depth); err != nil && len(errs) == 0 {
			errs = append(errs, err)
		}
		for _, sink := range s.fanout {
			sink.Record(sample)
		}
	}
	if err := w.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, err)
	}
	s.err = errors.Join(errs...)
}

func (s *FileSink) Record(sample Sample) {
	s.ch <- sample
}

// Close flushes and closes the file. Record must not be called after Close.
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	<-s.done
	return s.err
}
