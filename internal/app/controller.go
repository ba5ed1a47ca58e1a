package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/control"
	"github.com/NodePath81/bufferbloat/internal/fetch"
	"github.com/NodePath81/bufferbloat/internal/metrics"
	"github.com/NodePath81/bufferbloat/internal/probe"
	"github.com/NodePath81/bufferbloat/internal/process"
	"github.com/NodePath81/bufferbloat/internal/qmon"
	"github.com/NodePath81/bufferbloat/internal/stats"
	"github.com/NodePath81/bufferbloat/internal/store"
	"github.com/NodePath81/bufferbloat/internal/topology"
	"github.com/NodePath81/bufferbloat/internal/traffic"
	"github.com/NodePath81/bufferbloat/internal/util"
)

const controlShutdownTimeout = 2 * time.Second

type State int

const (
	Initializing State = iota
	TopologyUp
	Sampling
	Measuring
	TearingDown
	Done
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case TopologyUp:
		return "topology_up"
	case Sampling:
		return "sampling"
	case Measuring:
		return "measuring"
	case TearingDown:
		return "tearing_down"
	case Done:
		return "done"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// TeardownError carries every failure collected while tearing down.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return "teardown: " + e.Err.Error()
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// Deps are the substrate-facing pieces of a run. Zero fields get the linux
// implementations.
type Deps struct {
	Provisioner topology.Provisioner
	// Executor builds the process executor once the topology exists.
	Executor    func(topo topology.Topology) process.Executor
	DepthReader qmon.DepthReader
	// Fetcher times page downloads. Defaults to curl on the client host.
	Fetcher fetch.Fetcher
	// Report receives the summary lines. Defaults to stdout.
	Report io.Writer
	// Self is the program started as the transient web server.
	Self string
	// ProcSys is the sysctl tree used for the root namespace's congestion control.
	ProcSys string
}

// Report is what a finished run measured.
type Report struct {
	RunID        string
	Fetch        []stats.Summary
	Ping         []stats.Summary
	QueueSamples int
}

// Controller runs one experiment from topology construction to teardown.
type Controller struct {
	cfg     config.Config
	deps    Deps
	logger  util.Logger
	runID   string
	metrics *metrics.Metrics
	status  *control.Status
	control *control.ControlServer
	store   *store.Store

	hubCancel context.CancelFunc
	hub       *control.StatusHub

	mu           sync.Mutex
	state        State
	topo         topology.Topology
	sup          *process.Supervisor
	sampler      *qmon.Sampler
	sink         *qmon.FileSink
	probes       *probe.Orchestrator
	probeSpecs   []probe.Spec
	queue        []qmon.Sample
	measureOnce  sync.Once
	teardownOnce sync.Once
	teardownErr  error
	started      time.Time
}

func NewController(cfg config.Config, deps Deps, logger util.Logger) *Controller {
	if deps.Provisioner == nil {
		deps.Provisioner = topology.NewNetnsProvisioner(logger)
	}
	if deps.Executor == nil {
		deps.Executor = NetnsExecutor
	}
	if deps.DepthReader == nil {
		deps.DepthReader = qmon.NetlinkReader{}
	}
	if deps.Report == nil {
		deps.Report = os.Stdout
	}
	if deps.Self == "" {
		deps.Self = cfg.Tools.Server
	}
	if deps.Self == "" {
		if self, err := os.Executable(); err == nil {
			deps.Self = self
		} else {
			deps.Self = "bufferbloat"
		}
	}
	if deps.ProcSys == "" {
		deps.ProcSys = "/proc/sys"
	}
	runID := uuid.New().String()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := control.NewStatusHub(hubCtx.Done())
	return &Controller{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("run_id", runID),
		runID:     runID,
		metrics:   metrics.NewMetrics(runID),
		status:    control.NewStatus(runID, hub),
		hub:       hub,
		hubCancel: hubCancel,
	}
}

// NetnsExecutor runs commands in the namespace of the named topology endpoint.
func NetnsExecutor(topo topology.Topology) process.Executor {
	return process.NetnsExecutor{Resolve: func(name string) (string, bool) {
		ep, ok := topo.Endpoint(name)
		return ep.Namespace, ok
	}}
}

func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.RunState.Set(float64(s))
	c.status.SetState(s.String())
	c.logger.Info("run state", "state", s.String())
}

// Run executes the experiment. Only a topology failure aborts it; other
// failures are logged and the run continues with what works. Cancelling ctx
// during measurement ends it early and still reports. Cancelling it before
// measurement starts nothing further, tears down and returns the context error.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	c.started = time.Now()
	c.setState(Initializing)
	c.initialize(ctx)

	topo, err := topology.Build(c.deps.Provisioner, topology.NewPlan(c.cfg))
	if err != nil {
		c.logger.Error("topology construction failed", "error", err)
		if tdErr := c.Teardown(); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		return Report{RunID: c.runID}, err
	}
	c.mu.Lock()
	c.topo = topo
	c.sup = process.NewSupervisor(c.deps.Executor(topo), c.logger, process.SupervisorConfig{
		StopGrace: c.cfg.Teardown.StopGrace.Duration(),
		OnChange:  func(n int) { c.metrics.ProcessesRunning.Set(float64(n)) },
	})
	c.mu.Unlock()
	c.setState(TopologyUp)
	c.dumpConnections()

	webAddr, err := c.startup(ctx)
	if err != nil {
		c.logger.Warn("run cancelled before measurement", "error", err)
		if tdErr := c.Teardown(); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		return Report{RunID: c.runID}, err
	}

	c.setState(Measuring)
	report := Report{RunID: c.runID}
	series := c.measure(ctx, webAddr)
	report.Fetch = stats.Summarize(series.Clients, series.Samples)

	c.stopMeasurement()
	report.Ping = c.pingSummaries()
	report.QueueSamples = len(c.queue)
	if err := stats.WriteReport(c.deps.Report, report.Fetch); err != nil {
		c.logger.Error("write report failed", "error", err)
	}
	if err := stats.WriteReport(c.deps.Report, report.Ping); err != nil {
		c.logger.Error("write report failed", "error", err)
	}
	c.persist(report)

	if err := c.Teardown(); err != nil {
		c.logger.Error("teardown incomplete", "error", err)
		return report, err
	}
	return report, nil
}

// startup runs the per-host setup and starts the measurement components,
// queue monitor first. Nothing more starts once ctx is done, and the context
// error is returned.
func (c *Controller) startup(ctx context.Context) (string, error) {
	c.setHostCongestion(ctx)
	c.checkConnectivity(ctx)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.setState(Sampling)
	for _, start := range []func(context.Context){c.startQueueMonitor, c.startTraffic, c.startProbes} {
		start(ctx)
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	webAddr := c.startWebServer(ctx)
	return webAddr, ctx.Err()
}

func (c *Controller) initialize(ctx context.Context) {
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		c.logger.Error("create output directory failed", "dir", c.cfg.Dir, "error", err)
	}
	if err := c.setRootCongestion(); err != nil {
		c.logger.Warn("set root congestion control failed", "congestion", c.cfg.Congestion, "error", err)
	}
	if c.cfg.Store.IsEnabled() {
		st, err := store.Open(c.cfg.Store.Path)
		if err != nil {
			c.logger.Warn("results store unavailable", "path", c.cfg.Store.Path, "error", err)
		} else {
			c.store = st
			if err := st.BeginRun(ctx, c.storeRun()); err != nil {
				c.logger.Warn("record run failed", "error", err)
			}
		}
	}
	if c.cfg.Control.Listen != "" {
		srv := control.NewControlServer(c.cfg.Control.Listen, c.metrics, c.status, c.logger)
		if err := srv.Start(); err != nil {
			c.logger.Warn("control server unavailable", "listen", c.cfg.Control.Listen, "error", err)
		} else {
			c.control = srv
		}
	}
}

func (c *Controller) storeRun() store.Run {
	delay := 0.0
	if c.cfg.DelayMs != nil {
		delay = *c.cfg.DelayMs
	}
	return store.Run{
		ID:         c.runID,
		StartedAt:  c.started,
		Preset:     c.cfg.Topology.Preset,
		BwHostMbps: c.cfg.BandwidthHostMbps.Mbps(),
		BwNetMbps:  c.cfg.BandwidthNetMbps.Mbps(),
		DelayMs:    delay,
		MaxQueue:   c.cfg.MaxQueue,
		Duration:   c.cfg.Duration.Duration(),
		Congestion: c.cfg.Congestion,
	}
}

// setRootCongestion writes the default congestion control for the root
// namespace, which new namespaces inherit.
func (c *Controller) setRootCongestion() error {
	path := filepath.Join(c.deps.ProcSys, "net", "ipv4", "tcp_congestion_control")
	return os.WriteFile(path, []byte(c.cfg.Congestion+"\n"), 0o644)
}

func (c *Controller) setHostCongestion(ctx context.Context) {
	for _, h := range c.cfg.Topology.Hosts {
		if ctx.Err() != nil {
			return
		}
		cmd := process.Command{Program: c.cfg.Tools.Sysctl, Args: []string{
			"-w", "net.ipv4.tcp_congestion_control=" + h.Congestion,
		}}
		if _, err := c.sup.Run(ctx, h.Name, cmd); err != nil {
			c.logger.Warn("set congestion control failed", "endpoint", h.Name, "congestion", h.Congestion, "error", err)
			continue
		}
		c.logger.Debug("congestion control set", "endpoint", h.Name, "congestion", h.Congestion)
	}
}

func (c *Controller) dumpConnections() {
	for _, l := range c.topo.Links() {
		c.logger.Info("link", "a", l.A, "port_a", l.PortA, "b", l.B, "port_b", l.PortB, "params", l.Params.String())
	}
}

// checkConnectivity pings once between every ordered pair of hosts. Loss is
// reported but does not stop the run.
func (c *Controller) checkConnectivity(ctx context.Context) {
	eps := c.topo.Endpoints()
	sent, lost := 0, 0
	for _, src := range eps {
		for _, dst := range eps {
			if ctx.Err() != nil {
				return
			}
			if src.Name == dst.Name {
				continue
			}
			sent++
			cmd := process.Command{Program: c.cfg.Tools.Ping, Args: []string{"-c", "1", "-W", "1", dst.Address()}}
			if _, err := c.sup.Run(ctx, src.Name, cmd); err != nil {
				lost++
				c.logger.Warn("connectivity check failed", "from", src.Name, "to", dst.Name, "error", err)
			}
		}
	}
	if sent > 0 {
		c.logger.Info("connectivity check", "sent", sent, "lost", lost,
			"loss_pct", util.FormatSeconds(float64(lost)*100/float64(sent)))
	}
}

func (c *Controller) address(name string) string {
	ep, ok := c.topo.Endpoint(name)
	if !ok {
		return ""
	}
	return ep.Address()
}

func (c *Controller) startTraffic(ctx context.Context) {
	orch := traffic.New(c.sup, c.cfg, c.logger)
	orch.OnSpawnFailure = func() { c.metrics.SpawnFailed("traffic") }
	servers, clients := traffic.Specs(c.cfg, c.address)
	if _, err := orch.StartServers(ctx, servers); err != nil {
		c.logger.Warn("traffic servers incomplete", "error", err)
	}
	if _, err := orch.StartClients(ctx, clients); err != nil {
		c.logger.Warn("traffic clients incomplete", "error", err)
	}
}

func (c *Controller) startQueueMonitor(ctx context.Context) {
	iface := c.cfg.Monitor.Interface
	if iface == "" {
		iface = c.topo.BottleneckInterface()
	}
	path := c.cfg.Monitor.Output
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.cfg.Dir, path)
	}
	collect := qmon.SinkFunc(func(s qmon.Sample) {
		c.queue = append(c.queue, s)
		c.metrics.QueueDepth.Set(float64(s.Depth))
		c.status.Queue(s.Elapsed, s.Depth)
	})
	sink, err := qmon.NewFileSink(path, collect)
	if err != nil {
		c.logger.Error("queue monitor output unavailable", "path", path, "error", err)
		return
	}
	reader := countingReader{DepthReader: c.deps.DepthReader, failures: c.metrics.QueueReadErrors.Inc}
	c.mu.Lock()
	c.sink = sink
	c.sampler = qmon.Start(ctx, iface, c.cfg.Monitor.Interval.Duration(), reader, sink, c.logger)
	c.mu.Unlock()
	c.logger.Info("queue monitor started", "iface", iface, "interval", c.cfg.Monitor.Interval.Duration(), "output", path)
}

type countingReader struct {
	qmon.DepthReader
	failures func()
}

func (r countingReader) Depth(iface string) (int, error) {
	d, err := r.DepthReader.Depth(iface)
	if err != nil {
		r.failures()
	}
	return d, err
}

func (c *Controller) startProbes(ctx context.Context) {
	orch := probe.New(c.sup, c.cfg, c.logger)
	orch.Namespace = func(name string) (string, bool) {
		ep, ok := c.topo.Endpoint(name)
		return ep.Namespace, ok
	}
	specs := probe.Specs(c.cfg, c.address)
	if err := orch.StartProbes(ctx, specs); err != nil {
		c.metrics.SpawnFailed("probe")
		c.logger.Warn("probes incomplete", "error", err)
	}
	c.mu.Lock()
	c.probes = orch
	c.probeSpecs = specs
	c.mu.Unlock()
}

// startWebServer runs this program's serve subcommand on the web host and
// returns the host's address.
func (c *Controller) startWebServer(ctx context.Context) string {
	host := c.cfg.HostsWithRole(config.RoleWebServer)[0].Name
	root, err := filepath.Abs(c.cfg.WebServer.Root)
	if err != nil {
		root = c.cfg.WebServer.Root
	}
	cmd := process.Command{Program: c.deps.Self, Args: []string{
		"serve", "--port", util.FormatPort(c.cfg.WebServer.Port), "--root", root,
	}}
	if _, err := c.sup.Start(host, cmd, process.Options{}); err != nil {
		c.metrics.SpawnFailed("webserver")
		c.logger.Error("web server failed to start", "endpoint", host, "error", err)
	} else {
		t := time.NewTimer(c.cfg.WebServer.Grace.Duration())
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	return c.address(host)
}

func (c *Controller) measure(ctx context.Context, server string) fetch.Series {
	var clients []string
	for _, h := range c.cfg.HostsWithRole(config.RoleFetchClient) {
		clients = append(clients, h.Name)
	}
	var fetcher fetch.Fetcher = fetch.CurlFetcher{Runner: c.sup, Program: c.cfg.Tools.Curl, Port: c.cfg.WebServer.Port}
	if c.deps.Fetcher != nil {
		fetcher = c.deps.Fetcher
	}
	sampler := fetch.NewSampler(fetcher, c.cfg.Fetch, c.logger)
	sampler.OnSample = func(client string, secs float64) {
		c.metrics.ObserveFetch(client, secs)
		c.status.Fetch(client, secs)
	}
	sampler.OnFailure = func(client string, err error) {
		c.metrics.FetchFailed(client)
		c.status.FetchFailed(client, err)
	}
	return sampler.Run(ctx, clients, server, c.cfg.Duration.Duration())
}

// stopMeasurement stops probes, the queue sampler and its sink. Later calls
// do nothing.
func (c *Controller) stopMeasurement() error {
	var errs []error
	c.measureOnce.Do(func() {
		c.mu.Lock()
		probes, sampler, sink := c.probes, c.sampler, c.sink
		c.mu.Unlock()
		if probes != nil {
			if err := probes.StopAll(); err != nil {
				errs = append(errs, fmt.Errorf("stop probes: %w", err))
			}
		}
		if sampler != nil {
			sampler.Stop()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue output: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (c *Controller) pingSummaries() []stats.Summary {
	var clients []string
	samples := make(map[string][]float64)
	for _, spec := range c.probeSpecs {
		label := "ping " + spec.Source + "->" + spec.Target
		clients = append(clients, label)
		rtts, err := probe.ParseFile(spec.Output)
		if err != nil {
			c.logger.Warn("read ping output failed", "path", spec.Output, "error", err)
			continue
		}
		samples[label] = rtts
	}
	return stats.Summarize(clients, samples)
}

func (c *Controller) persist(report Report) {
	if c.store == nil {
		return
	}
	ctx := context.Background()
	if err := c.store.SaveSummaries(ctx, c.runID, store.KindFetch, report.Fetch); err != nil {
		c.logger.Warn("store fetch summaries failed", "error", err)
	}
	if err := c.store.SaveSummaries(ctx, c.runID, store.KindPing, report.Ping); err != nil {
		c.logger.Warn("store ping summaries failed", "error", err)
	}
	if err := c.store.SaveQueueSamples(ctx, c.runID, c.queue); err != nil {
		c.logger.Warn("store queue samples failed", "error", err)
	}
}

// Teardown stops everything the run started and removes the topology. It
// keeps going past failures and returns them joined in a *TeardownError. A
// second call returns nil.
func (c *Controller) Teardown() error {
	first := false
	c.teardownOnce.Do(func() {
		first = true
		c.teardownErr = c.teardown()
	})
	if !first {
		return nil
	}
	return c.teardownErr
}

func (c *Controller) teardown() error {
	c.setState(TearingDown)
	var errs []error
	if err := c.stopMeasurement(); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	sup, topo := c.sup, c.topo
	c.mu.Unlock()
	if sup != nil {
		if err := sup.StopEverything(); err != nil {
			errs = append(errs, fmt.Errorf("stop processes: %w", err))
		}
		if n, err := sup.Sweep(c.cfg.Teardown.SweepPatterns); err != nil {
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		} else if n > 0 {
			c.logger.Warn("killed leaked processes", "count", n)
		}
	}
	if topo != nil {
		if err := topo.Teardown(); err != nil {
			errs = append(errs, err)
		}
	}

	state := "done"
	if len(errs) > 0 {
		state = "teardown_failed"
	}
	if c.store != nil {
		if err := c.store.FinishRun(context.Background(), c.runID, state, time.Now()); err != nil {
			c.logger.Warn("record run end failed", "error", err)
		}
		if err := c.store.Close(); err != nil {
			c.logger.Warn("close store failed", "error", err)
		}
	}

	c.setState(Done)
	if c.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
		if err := c.control.Shutdown(ctx); err != nil {
			c.logger.Warn("control server shutdown", "error", err)
		}
		cancel()
	}
	c.hubCancel()
	<-c.hub.Done()

	if len(errs) > 0 {
		return &TeardownError{Err: errors.Join(errs...)}
	}
	return nil
}
