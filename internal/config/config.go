package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NodePath81/bufferbloat/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultBandwidthHostMbps = 1000
	defaultDuration          = 10 * time.Second
	defaultMaxQueue          = 100
	defaultCongestion        = "reno"
	defaultSwitch            = "s0"

	defaultMonitorInterval = 100 * time.Millisecond
	defaultMonitorOutput   = "q.txt"

	defaultTrafficBasePort = 5001
	defaultTrafficGrace    = 1 * time.Second
	defaultTrafficWindow   = "16m"

	defaultProbeInterval = 100 * time.Millisecond

	defaultFetchBurstSize     = 3
	defaultFetchBurstInterval = 5 * time.Second

	defaultWebServerPort  = 8000
	defaultWebServerGrace = 1 * time.Second

	defaultStopGrace = 2 * time.Second
	defaultStoreFile = "results.db"

	ProbeModePing = "ping"
	ProbeModeICMP = "icmp"
)

// Host roles. A host may carry several.
const (
	RoleTrafficServer = "traffic_server"
	RoleTrafficClient = "traffic_client"
	RoleWebServer     = "web_server"
	RoleFetchClient   = "fetch_client"
	RoleProbeSource   = "probe_source"
)

// ErrMissing marks a required value that was not supplied.
var ErrMissing = errors.New("required value missing")

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// Config is the immutable description of one experiment run.
type Config struct {
	BandwidthHostMbps Bandwidth `yaml:"bw_host"`
	BandwidthNetMbps  Bandwidth `yaml:"bw_net"`
	DelayMs           *float64  `yaml:"delay_ms"`
	Dir               string    `yaml:"dir"`
	Duration          Duration  `yaml:"time"`
	MaxQueue          int       `yaml:"maxq"`
	Congestion        string    `yaml:"congestion"`

	Topology  TopologyConfig  `yaml:"topology"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Probe     ProbeConfig     `yaml:"probe"`
	Fetch     FetchConfig     `yaml:"fetch"`
	WebServer WebServerConfig `yaml:"web_server"`
	Tools     ToolsConfig     `yaml:"tools"`
	Control   ControlConfig   `yaml:"control"`
	Store     StoreConfig     `yaml:"store"`
	Teardown  TeardownConfig  `yaml:"teardown"`
}

type TopologyConfig struct {
	Preset string       `yaml:"preset"`
	Switch string       `yaml:"switch"`
	Hosts  []HostConfig `yaml:"hosts"`
}

type HostConfig struct {
	Name       string   `yaml:"name"`
	Roles      []string `yaml:"roles"`
	Congestion string   `yaml:"congestion"`
	Bottleneck bool     `yaml:"bottleneck"`
	// LimitQueue applies maxq to this host's link. Defaults to Bottleneck.
	LimitQueue *bool `yaml:"limit_queue"`
}

func (h HostConfig) HasRole(role string) bool {
	for _, r := range h.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h HostConfig) QueueLimited() bool {
	return util.ValueOr(h.LimitQueue, h.Bottleneck)
}

type MonitorConfig struct {
	Interface string   `yaml:"interface"`
	Interval  Duration `yaml:"interval"`
	Output    string   `yaml:"output"`
}

type TrafficConfig struct {
	BasePort int      `yaml:"base_port"`
	Grace    Duration `yaml:"grace"`
	Window   string   `yaml:"window"`
}

type ProbeConfig struct {
	Mode     string   `yaml:"mode"`
	Interval Duration `yaml:"interval"`
}

type FetchConfig struct {
	BurstSize      int      `yaml:"burst_size"`
	BurstInterval  Duration `yaml:"burst_interval"`
	StrictDeadline bool     `yaml:"strict_deadline"`
}

type WebServerConfig struct {
	Port  int      `yaml:"port"`
	Root  string   `yaml:"root"`
	Grace Duration `yaml:"grace"`
}

// ToolsConfig names the external programs. An empty Server means this binary's serve subcommand.
type ToolsConfig struct {
	Iperf  string `yaml:"iperf"`
	Ping   string `yaml:"ping"`
	Curl   string `yaml:"curl"`
	Sysctl string `yaml:"sysctl"`
	Server string `yaml:"server"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (s StoreConfig) IsEnabled() bool {
	return util.ValueOr(s.Enabled, true)
}

type TeardownConfig struct {
	StopGrace     Duration `yaml:"stop_grace"`
	SweepPatterns []string `yaml:"sweep_patterns"`
}

// Delay returns the per-link propagation delay.
func (c Config) Delay() time.Duration {
	if c.DelayMs == nil {
		return 0
	}
	return time.Duration(*c.DelayMs * float64(time.Millisecond))
}

// HostsWithRole returns hosts carrying role, in topology order.
func (c Config) HostsWithRole(role string) []HostConfig {
	var out []HostConfig
	for _, h := range c.Topology.Hosts {
		if h.HasRole(role) {
			out = append(out, h)
		}
	}
	return out
}

// LoadConfig reads a YAML file and returns a validated config.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfig decodes a YAML file without defaults or validation so flags can still override it.
// An empty path yields a zero config.
func ReadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize applies defaults and validates. It must run before the config is handed out.
func (c *Config) Finalize() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) setDefaults() {
	c.Dir = strings.TrimSpace(c.Dir)
	if c.BandwidthHostMbps == 0 {
		c.BandwidthHostMbps = defaultBandwidthHostMbps
	}
	if c.Duration == 0 {
		c.Duration = Duration(defaultDuration)
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = defaultMaxQueue
	}
	if c.Congestion == "" {
		c.Congestion = defaultCongestion
	}

	if c.Topology.Switch == "" {
		c.Topology.Switch = defaultSwitch
	}
	if len(c.Topology.Hosts) == 0 {
		preset := c.Topology.Preset
		if preset == "" {
			preset = PresetClassic
		}
		if hosts, ok := Preset(preset); ok {
			c.Topology.Preset = preset
			c.Topology.Hosts = hosts
		}
	}
	for i := range c.Topology.Hosts {
		if c.Topology.Hosts[i].Congestion == "" {
			c.Topology.Hosts[i].Congestion = c.Congestion
		}
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(defaultMonitorInterval)
	}
	if c.Monitor.Output == "" {
		c.Monitor.Output = defaultMonitorOutput
	}

	if c.Traffic.BasePort == 0 {
		c.Traffic.BasePort = defaultTrafficBasePort
	}
	if c.Traffic.Grace == 0 {
		c.Traffic.Grace = Duration(defaultTrafficGrace)
	}
	if c.Traffic.Window == "" {
		c.Traffic.Window = defaultTrafficWindow
	}

	if c.Probe.Mode == "" {
		c.Probe.Mode = ProbeModePing
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeInterval)
	}

	if c.Fetch.BurstSize == 0 {
		c.Fetch.BurstSize = defaultFetchBurstSize
	}
	if c.Fetch.BurstInterval == 0 {
		c.Fetch.BurstInterval = Duration(defaultFetchBurstInterval)
	}

	if c.WebServer.Port == 0 {
		c.WebServer.Port = defaultWebServerPort
	}
	if c.WebServer.Root == "" {
		c.WebServer.Root = c.Dir
	}
	if c.WebServer.Grace == 0 {
		c.WebServer.Grace = Duration(defaultWebServerGrace)
	}

	if c.Tools.Iperf == "" {
		c.Tools.Iperf = "iperf"
	}
	if c.Tools.Ping == "" {
		c.Tools.Ping = "ping"
	}
	if c.Tools.Curl == "" {
		c.Tools.Curl = "curl"
	}
	if c.Tools.Sysctl == "" {
		c.Tools.Sysctl = "sysctl"
	}

	if c.Store.Enabled == nil {
		enabled := true
		c.Store.Enabled = &enabled
	}
	if c.Store.Path == "" && c.Dir != "" {
		c.Store.Path = filepath.Join(c.Dir, defaultStoreFile)
	}

	if c.Teardown.StopGrace == 0 {
		c.Teardown.StopGrace = Duration(defaultStopGrace)
	}
	if len(c.Teardown.SweepPatterns) == 0 {
		c.Teardown.SweepPatterns = []string{ServePattern}
	}
}

// ServePattern identifies leaked transient servers in /proc cmdlines.
const ServePattern = "bufferbloat serve"

func (c *Config) validate() error {
	if c.BandwidthNetMbps == 0 {
		return fmt.Errorf("bw_net: %w", ErrMissing)
	}
	if c.BandwidthNetMbps < 0 {
		return errors.New("bw_net must be > 0")
	}
	if c.BandwidthHostMbps <= 0 {
		return errors.New("bw_host must be > 0")
	}
	if c.DelayMs == nil {
		return fmt.Errorf("delay_ms: %w", ErrMissing)
	}
	if *c.DelayMs < 0 {
		return errors.New("delay_ms must be >= 0")
	}
	if c.Dir == "" {
		return fmt.Errorf("dir: %w", ErrMissing)
	}
	if c.Duration.Duration() <= 0 {
		return errors.New("time must be > 0")
	}
	if c.Duration.Duration()%time.Second != 0 {
		return errors.New("time must be a whole number of seconds")
	}
	if c.MaxQueue <= 0 {
		return errors.New("maxq must be > 0")
	}

	if len(c.Topology.Hosts) == 0 {
		return fmt.Errorf("unknown topology preset %q", c.Topology.Preset)
	}
	seen := make(map[string]struct{}, len(c.Topology.Hosts))
	bottlenecks := 0
	for i := range c.Topology.Hosts {
		h := &c.Topology.Hosts[i]
		h.Name = strings.TrimSpace(h.Name)
		if h.Name == "" {
			return fmt.Errorf("topology.hosts[%d].name must not be empty", i)
		}
		if h.Name == c.Topology.Switch {
			return fmt.Errorf("topology.hosts[%s] collides with switch name", h.Name)
		}
		if _, ok := seen[h.Name]; ok {
			return fmt.Errorf("duplicate host: %s", h.Name)
		}
		seen[h.Name] = struct{}{}
		for _, role := range h.Roles {
			if !validRole(role) {
				return fmt.Errorf("topology.hosts[%s]: unknown role %q", h.Name, role)
			}
		}
		if h.Bottleneck {
			bottlenecks++
		}
	}
	if bottlenecks != 1 {
		return fmt.Errorf("topology must have exactly one bottleneck host, got %d", bottlenecks)
	}
	if len(c.HostsWithRole(RoleTrafficServer)) != 1 {
		return errors.New("topology must have exactly one traffic_server host")
	}
	if len(c.HostsWithRole(RoleWebServer)) != 1 {
		return errors.New("topology must have exactly one web_server host")
	}
	if len(c.HostsWithRole(RoleFetchClient)) == 0 {
		return errors.New("topology must have at least one fetch_client host")
	}

	if c.Monitor.Interval.Duration() <= 0 {
		return errors.New("monitor.interval must be > 0")
	}
	if c.Traffic.BasePort <= 0 || c.Traffic.BasePort > 65535 {
		return errors.New("traffic.base_port must be in 1..65535")
	}
	if c.Traffic.Grace.Duration() < 0 {
		return errors.New("traffic.grace must be >= 0")
	}
	c.Probe.Mode = strings.ToLower(strings.TrimSpace(c.Probe.Mode))
	if c.Probe.Mode != ProbeModePing && c.Probe.Mode != ProbeModeICMP {
		return errors.New("probe.mode must be ping or icmp")
	}
	if c.Probe.Interval.Duration() <= 0 {
		return errors.New("probe.interval must be > 0")
	}
	if c.Fetch.BurstSize <= 0 {
		return errors.New("fetch.burst_size must be > 0")
	}
	if c.Fetch.BurstInterval.Duration() < 0 {
		return errors.New("fetch.burst_interval must be >= 0")
	}
	if c.WebServer.Port <= 0 || c.WebServer.Port > 65535 {
		return errors.New("web_server.port must be in 1..65535")
	}
	if c.Teardown.StopGrace.Duration() < 0 {
		return errors.New("teardown.stop_grace must be >= 0")
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case RoleTrafficServer, RoleTrafficClient, RoleWebServer, RoleFetchClient, RoleProbeSource:
		return true
	}
	return false
}
