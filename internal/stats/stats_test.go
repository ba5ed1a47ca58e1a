package stats

import (
	"bytes"
	"math"
	"testing"
)

func TestCompute(t *testing.T) {
	s := Compute("h2", []float64{1, 2, 3})
	if s.Count != 3 || s.NoSamples {
		t.Fatalf("summary = %+v", s)
	}
	if s.Mean != 2 {
		t.Fatalf("Mean = %v, want 2", s.Mean)
	}
	if math.Abs(s.Std-math.Sqrt(2.0/3.0)) > 1e-12 {
		t.Fatalf("Std = %v, want %v", s.Std, math.Sqrt(2.0/3.0))
	}
}

func TestComputeSingleSample(t *testing.T) {
	s := Compute("h2", []float64{0.25})
	if s.Mean != 0.25 || s.Std != 0 {
		t.Fatalf("summary = %+v, want mean 0.25 std 0", s)
	}
}

func TestSummarizeKeepsOrderAndEmpties(t *testing.T) {
	got := Summarize([]string{"h5", "h2", "h4"}, map[string][]float64{
		"h2": {0.1, 0.3},
		"h4": {},
	})
	if len(got) != 3 || got[0].Client != "h5" || got[1].Client != "h2" || got[2].Client != "h4" {
		t.Fatalf("order = %+v", got)
	}
	if !got[0].NoSamples || !got[2].NoSamples || got[1].NoSamples {
		t.Fatalf("NoSamples flags = %+v", got)
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	err := WriteReport(&buf, []Summary{
		Compute("h2", []float64{0.1, 0.3}),
		Compute("h4", nil),
	})
	if err != nil {
		t.Fatalf("WriteReport error: %v", err)
	}
	want := "h2: avg RTT = 0.2000s, std = 0.1000s\nh4: no samples\n"
	if buf.String() != want {
		t.Fatalf("report = %q, want %q", buf.String(), want)
	}
}

// A deep bottleneck queue holds each fetch behind the standing queue, so its
// mean must exceed the shallow queue's at the same link rate.
func TestDeepQueueRaisesMeanFetchTime(t *testing.T) {
	const (
		rate    = 1.5e6 / 8 // bytes per second
		pkt     = 1500.0
		base    = 0.045
		samples = 20
	)
	fetchTimes := func(queuePkts float64) []float64 {
		out := make([]float64, samples)
		for i := range out {
			fill := queuePkts * float64(i%5+1) / 5
			out[i] = base + fill*pkt/rate
		}
		return out
	}
	shallow := Compute("maxq=20", fetchTimes(20))
	deep := Compute("maxq=100", fetchTimes(100))
	if deep.Mean <= shallow.Mean {
		t.Fatalf("deep mean %.4f <= shallow mean %.4f", deep.Mean, shallow.Mean)
	}
	if deep.Std <= shallow.Std {
		t.Fatalf("deep std %.4f <= shallow std %.4f", deep.Std, shallow.Std)
	}
}
