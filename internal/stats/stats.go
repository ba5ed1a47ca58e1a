// Package stats summarizes latency samples per client.
package stats

import (
	"fmt"
	"io"
	"math"
)

// Summary is the mean and population standard deviation of one client's
// samples, in seconds.
type Summary struct {
	Client    string
	Count     int
	Mean      float64
	Std       float64
	NoSamples bool
}

// Compute summarizes samples. An empty slice yields NoSamples.
func Compute(client string, samples []float64) Summary {
	s := Summary{Client: client, Count: len(samples)}
	if len(samples) == 0 {
		s.NoSamples = true
		return s
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	s.Mean = sum / float64(len(samples))
	var sq float64
	for _, v := range samples {
		d := v - s.Mean
		sq += d * d
	}
	s.Std = math.Sqrt(sq / float64(len(samples)))
	return s
}

// Summarize computes one Summary per client, in the given order. Clients
// missing from samples are reported as NoSamples.
func Summarize(clients []string, samples map[string][]float64) []Summary {
	out := make([]Summary, 0, len(clients))
	for _, c := range clients {
		out = append(out, Compute(c, samples[c]))
	}
	return out
}

// Line formats a summary as a report line without the trailing newline.
func (s Summary) Line() string {
	if s.NoSamples {
		return fmt.Sprintf("%s: no samples", s.Client)
	}
	return fmt.Sprintf("%s: avg RTT = %.4fs, std = %.4fs", s.Client, s.Mean, s.Std)
}

// WriteReport writes one line per summary.
func WriteReport(w io.Writer, summaries []Summary) error {
	for _, s := range summaries {
		if _, err := fmt.Fprintln(w, s.Line()); err != nil {
			return err
		}
	}
	return nil
}
