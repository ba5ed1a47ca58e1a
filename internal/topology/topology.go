// Package topology builds the emulated network an experiment runs on: one
// switch, a set of hosts each linked to it, and rate/delay/queue limits on
// every link. Hosts are network namespaces on linux.
package topology

import (
	"fmt"
	"net"
	"time"

	"github.com/NodePath81/bufferbloat/internal/config"
)

// Endpoint is an addressable host in the topology.
type Endpoint struct {
	Name      string
	Namespace string
	IP        net.IP
	Interface string
}

// Address returns the endpoint's IP as a string, or "" when unaddressed.
func (e Endpoint) Address() string {
	if e.IP == nil {
		return ""
	}
	return e.IP.String()
}

// LinkParams shapes both directions of a link.
type LinkParams struct {
	BandwidthMbps float64
	Delay         time.Duration
	// MaxQueue is the queue limit in packets; zero leaves the kernel default.
	MaxQueue int
	// Bottleneck marks the link whose switch port is sampled for queue depth.
	Bottleneck bool
}

func (p LinkParams) String() string {
	s := fmt.Sprintf("%gMbit %s delay", p.BandwidthMbps, p.Delay)
	if p.MaxQueue > 0 {
		s += fmt.Sprintf(" %d pkts max queue", p.MaxQueue)
	}
	return s
}

// Link is a built link with the interface names on each side.
type Link struct {
	A, B   string
	PortA  string
	PortB  string
	Params LinkParams
}

// Topology is a running emulated network.
type Topology interface {
	Endpoint(name string) (Endpoint, bool)
	Endpoints() []Endpoint
	Links() []Link
	// BottleneckInterface names the switch port feeding the bottleneck link.
	BottleneckInterface() string
	// Teardown removes everything the topology created. Repeated calls return nil.
	Teardown() error
}

// Provisioner is the substrate that creates hosts, switches and links.
type Provisioner interface {
	CreateEndpoint(name string) error
	CreateSwitch(name string) error
	CreateLink(a, b string, params LinkParams) error
	Start() (Topology, error)
	// Abort removes whatever was created before a failed Start.
	Abort() error
}

// Error reports a failure to construct or tear down the topology.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "topology " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LinkPlan is one host-to-switch link.
type LinkPlan struct {
	Host   string
	Params LinkParams
}

// Plan is the provisioning recipe derived from a config.
type Plan struct {
	Switch string
	Hosts  []string
	Links  []LinkPlan
}

// NewPlan links every configured host to the switch, in host order. The
// bottleneck host's link gets bw_net, others get bw_host; maxq applies to
// queue-limited hosts.
func NewPlan(cfg config.Config) Plan {
	plan := Plan{Switch: cfg.Topology.Switch}
	for _, h := range cfg.Topology.Hosts {
		plan.Hosts = append(plan.Hosts, h.Name)
		params := LinkParams{
			BandwidthMbps: cfg.BandwidthHostMbps.Mbps(),
			Delay:         cfg.Delay(),
			Bottleneck:    h.Bottleneck,
		}
		if h.Bottleneck {
			params.BandwidthMbps = cfg.BandwidthNetMbps.Mbps()
		}
		if h.QueueLimited() {
			params.MaxQueue = cfg.MaxQueue
		}
		plan.Links = append(plan.Links, LinkPlan{Host: h.Name, Params: params})
	}
	return plan
}

// SwitchPort is the name of the k-th (1-based) switch port.
func SwitchPort(sw string, k int) string {
	return fmt.Sprintf("%s-eth%d", sw, k)
}

// Build drives a provisioner through the plan. Any failure aborts the partial
// topology and is reported as *Error.
func Build(p Provisioner, plan Plan) (Topology, error) {
	fail := func(op string, err error) (Topology, error) {
		if abortErr := p.Abort(); abortErr != nil {
			err = fmt.Errorf("%w (abort: %v)", err, abortErr)
		}
		return nil, &Error{Op: op, Err: err}
	}
	if err := p.CreateSwitch(plan.Switch); err != nil {
		return fail("create switch "+plan.Switch, err)
	}
	for _, host := range plan.Hosts {
		if err := p.CreateEndpoint(host); err != nil {
			return fail("create endpoint "+host, err)
		}
	}
	for _, link := range plan.Links {
		if err := p.CreateLink(link.Host, plan.Switch, link.Params); err != nil {
			return fail(fmt.Sprintf("create link %s-%s", link.Host, plan.Switch), err)
		}
	}
	topo, err := p.Start()
	if err != nil {
		return fail("start", err)
	}
	return topo, nil
}
