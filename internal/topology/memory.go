package topology

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// MemoryProvisioner lays out a topology with the same names and addresses the
// namespace provisioner would assign, without touching the host. It lets the
// controller run without root privileges in tests.
type MemoryProvisioner struct {
	mu        sync.Mutex
	sw        string
	ports     int
	endpoints map[string]*Endpoint
	hostLinks map[string]int
	order     []string
	links     []Link
	torn      bool

	// FailOn makes the named step fail, e.g. "link h2".
	FailOn string
}

func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{
		endpoints: make(map[string]*Endpoint),
		hostLinks: make(map[string]int),
	}
}

func (p *MemoryProvisioner) CreateSwitch(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOn == "switch "+name {
		return errors.New("injected failure")
	}
	p.sw = name
	return nil
}

func (p *MemoryProvisioner) CreateEndpoint(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOn == "endpoint "+name {
		return errors.New("injected failure")
	}
	if _, ok := p.endpoints[name]; ok {
		return fmt.Errorf("endpoint %s already exists", name)
	}
	p.endpoints[name] = &Endpoint{
		Name:      name,
		Namespace: name,
		IP:        net.IPv4(10, 0, 0, byte(len(p.order)+1)).To4(),
	}
	p.order = append(p.order, name)
	return nil
}

func (p *MemoryProvisioner) CreateLink(a, b string, params LinkParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	host := a
	if a == p.sw {
		host = b
	}
	if p.FailOn == "link "+host {
		return errors.New("injected failure")
	}
	ep, ok := p.endpoints[host]
	if !ok {
		return fmt.Errorf("unknown endpoint %s", host)
	}
	p.ports++
	hostIf := fmt.Sprintf("%s-eth%d", host, p.hostLinks[host])
	p.hostLinks[host]++
	if ep.Interface == "" {
		ep.Interface = hostIf
	}
	p.links = append(p.links, Link{A: host, B: p.sw, PortA: hostIf, PortB: SwitchPort(p.sw, p.ports), Params: params})
	return nil
}

func (p *MemoryProvisioner) Start() (Topology, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOn == "start" {
		return nil, errors.New("injected failure")
	}
	return &memoryTopology{p: p}, nil
}

func (p *MemoryProvisioner) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.torn = true
	return nil
}

// TornDown reports whether Abort or Teardown ran.
func (p *MemoryProvisioner) TornDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.torn
}

type memoryTopology struct {
	p *MemoryProvisioner
}

func (t *memoryTopology) Endpoint(name string) (Endpoint, bool) {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	ep, ok := t.p.endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

func (t *memoryTopology) Endpoints() []Endpoint {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	out := make([]Endpoint, 0, len(t.p.order))
	for _, name := range t.p.order {
		out = append(out, *t.p.endpoints[name])
	}
	return out
}

func (t *memoryTopology) Links() []Link {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return append([]Link(nil), t.p.links...)
}

func (t *memoryTopology) BottleneckInterface() string {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	for _, l := range t.p.links {
		if l.Params.Bottleneck {
			return l.PortB
		}
	}
	return ""
}

func (t *memoryTopology) Teardown() error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	t.p.torn = true
	return nil
}
