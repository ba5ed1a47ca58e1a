package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/util"
)

// runFlags are the experiment parameters accepted on the command line. They
// override values read from --config.
type runFlags struct {
	configPath string
	logLevel   string
	bwHost     float64
	bwNet      float64
	delay      float64
	dir        string
	seconds    int
	maxq       int
	cong       string
	preset     string
}

func newRunFlagSet(name string, out io.Writer) (*flag.FlagSet, *runFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	f := &runFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.Float64Var(&f.bwHost, "bw-host", 0, "Bandwidth of host links (Mb/s)")
	fs.Float64Var(&f.bwHost, "B", 0, "Shorthand for --bw-host")
	fs.Float64Var(&f.bwNet, "bw-net", 0, "Bandwidth of bottleneck (network) link (Mb/s)")
	fs.Float64Var(&f.bwNet, "b", 0, "Shorthand for --bw-net")
	fs.Float64Var(&f.delay, "delay", 0, "Link propagation delay (ms)")
	fs.StringVar(&f.dir, "dir", "", "Directory to store outputs")
	fs.StringVar(&f.dir, "d", "", "Shorthand for --dir")
	fs.IntVar(&f.seconds, "time", 0, "Duration (sec) to run the experiment")
	fs.IntVar(&f.seconds, "t", 0, "Shorthand for --time")
	fs.IntVar(&f.maxq, "maxq", 0, "Max buffer size of network interface in packets")
	fs.StringVar(&f.cong, "cong", "", "Congestion control algorithm to use")
	fs.StringVar(&f.preset, "preset", "", "Topology preset: classic or fanin")
	return fs, f
}

// parseRunConfig parses args, layers the set flags over the config file and
// finalizes the result.
func parseRunConfig(name string, args []string, out io.Writer) (config.Config, slog.Level, error) {
	fs, f := newRunFlagSet(name, out)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, slog.LevelInfo, err
	}
	if f.configPath == "" && fs.NArg() > 0 {
		f.configPath = fs.Arg(0)
	}
	level, err := util.ParseLevel(f.logLevel)
	if err != nil {
		return config.Config{}, slog.LevelInfo, err
	}
	cfg, err := config.ReadConfig(f.configPath)
	if err != nil {
		return config.Config{}, level, err
	}
	if err := f.apply(fs, &cfg); err != nil {
		return config.Config{}, level, err
	}
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, level, err
	}
	return cfg, level, nil
}

// apply copies the flags given on the command line into cfg. Zero means
// "use the default" only when a value is omitted, so an explicit non-positive
// value is rejected here before defaults are filled in.
func (f *runFlags) apply(fs *flag.FlagSet, cfg *config.Config) error {
	var errs []error
	positive := func(name string, v float64) bool {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("-%s must be positive, got %g", name, v))
			return false
		}
		return true
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "bw-host", "B":
			if positive(fl.Name, f.bwHost) {
				cfg.BandwidthHostMbps = config.Bandwidth(f.bwHost)
			}
		case "bw-net", "b":
			if positive(fl.Name, f.bwNet) {
				cfg.BandwidthNetMbps = config.Bandwidth(f.bwNet)
			}
		case "delay":
			delay := f.delay
			cfg.DelayMs = &delay
		case "dir", "d":
			cfg.Dir = f.dir
		case "time", "t":
			if positive(fl.Name, float64(f.seconds)) {
				cfg.Duration = config.Duration(time.Duration(f.seconds) * time.Second)
			}
		case "maxq":
			if positive(fl.Name, float64(f.maxq)) {
				cfg.MaxQueue = f.maxq
			}
		case "cong":
			cfg.Congestion = f.cong
		case "preset":
			cfg.Topology.Preset = f.preset
		}
	})
	return errors.Join(errs...)
}

func describeConfig(cfg config.Config) string {
	return fmt.Sprintf("preset %s, %d hosts, bw_net %gMbit, bw_host %gMbit, delay %s, maxq %d, %s, cc %s",
		cfg.Topology.Preset, len(cfg.Topology.Hosts), cfg.BandwidthNetMbps.Mbps(),
		cfg.BandwidthHostMbps.Mbps(), cfg.Delay(), cfg.MaxQueue, cfg.Duration.Duration(), cfg.Congestion)
}
