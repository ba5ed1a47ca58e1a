package probe

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
)

var rttPattern = regexp.MustCompile(`time[=<]([0-9]+(?:\.[0-9]+)?) ?ms`)

// Parse extracts reply round-trip times, in seconds, from ping output.
// Lines without a reply time are ignored.
func Parse(r io.Reader) ([]float64, error) {
	out := []float64{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := rttPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		ms, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		out = append(out, ms/1000)
	}
	return out, sc.Err()
}

// ParseFile is Parse on a file.
func ParseFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
