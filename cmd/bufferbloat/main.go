package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/NodePath81/bufferbloat/internal/app"
	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/process"
	"github.com/NodePath81/bufferbloat/internal/topology"
	"github.com/NodePath81/bufferbloat/internal/util"
	"github.com/NodePath81/bufferbloat/internal/version"
	"github.com/NodePath81/bufferbloat/internal/webserver"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runExperiment(os.Args[2:])
			return
		case "check":
			checkConfig(os.Args[2:])
			return
		case "serve":
			serve(os.Args[2:])
			return
		case "sweep":
			sweep(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	runExperiment(os.Args[1:])
}

func runExperiment(args []string) {
	cfg, level, err := parseRunConfig("run", args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(2)
	}
	logger := util.NewLogger(level)
	if runtime.GOOS != "linux" {
		logger.Error("unsupported OS", "goos", runtime.GOOS)
		os.Exit(1)
	}
	logger.Info("starting experiment", "config", describeConfig(cfg), "dir", cfg.Dir)

	supervisor := app.NewSupervisor(cfg, app.Deps{}, logger)
	if err := supervisor.Start(context.Background()); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-sigCh:
		logger.Info("shutdown requested")
		_, runErr = supervisor.Stop()
	case <-supervisor.Done():
		_, runErr = supervisor.Wait()
	}
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		os.Exit(1)
	}
}

func checkConfig(args []string) {
	cfg, _, err := parseRunConfig("check", args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %s\n", describeConfig(cfg))
	os.Exit(0)
}

func serve(args []string) {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 8000, "Port to listen on")
	root := serveCmd.String("root", ".", "Directory to serve")
	logLevel := serveCmd.String("log-level", "info", "Log level: debug, info, warn, error")
	_ = serveCmd.Parse(args)
	level, err := util.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := util.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := webserver.Serve(ctx, util.NetJoin("", *port), *root, os.Stdout, logger); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

// sweep cleans up after a run that died before teardown: it kills stray
// transient servers and removes the preset's bridge and namespaces.
func sweep(args []string) {
	sweepCmd := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := sweepCmd.String("config", "", "Path to config file")
	preset := sweepCmd.String("preset", "", "Topology preset: classic or fanin")
	patterns := sweepCmd.String("patterns", "", "Comma-separated cmdline patterns to kill")
	logLevel := sweepCmd.String("log-level", "info", "Log level: debug, info, warn, error")
	_ = sweepCmd.Parse(args)
	level, err := util.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := util.NewLogger(level)

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.Error("read config failed", "error", err)
		os.Exit(1)
	}
	if *preset != "" {
		cfg.Topology.Preset = *preset
	}
	if *patterns != "" {
		cfg.Teardown.SweepPatterns = strings.Split(*patterns, ",")
	}
	// Required values do not matter here; defaults fill in the topology.
	_ = cfg.Finalize()

	failed := false
	sup := process.NewSupervisor(process.LocalExecutor{}, logger, process.SupervisorConfig{})
	killed, err := sup.Sweep(cfg.Teardown.SweepPatterns)
	if err != nil {
		failed = true
		logger.Error("process sweep incomplete", "error", err)
	}
	removed, err := topology.RemoveLeftovers(logger, topology.NewPlan(cfg))
	if err != nil {
		failed = true
		logger.Error("topology cleanup incomplete", "error", err)
	}
	logger.Info("sweep finished", "processes", killed, "devices", removed)
	if failed {
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`bufferbloat - bufferbloat experiment controller

Usage:
  bufferbloat run [flags]                       Run an experiment
  bufferbloat check [flags]                     Validate configuration
  bufferbloat serve --port <p> --root <dir>     Serve a directory over HTTP
  bufferbloat sweep [--preset p] [--patterns]   Clean up after a crashed run
  bufferbloat help                              Show this help
  bufferbloat version                           Print version

Run flags:
  --bw-net, -b <Mb/s>    Bottleneck bandwidth (required)
  --delay <ms>           Link propagation delay (required)
  --dir, -d <path>       Output directory (required)
  --bw-host, -B <Mb/s>   Host link bandwidth (default 1000)
  --time, -t <sec>       Experiment duration (default 10)
  --maxq <pkts>          Bottleneck queue size (default 100)
  --cong <name>          TCP congestion control (default reno)
  --preset <name>        classic or fanin (default classic)
  --config <path>        YAML config; flags override it
  --log-level <level>    debug, info, warn or error
`)
}
