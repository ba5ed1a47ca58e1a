//go:build linux

package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/NodePath81/bufferbloat/internal/util"
)

type hostState struct {
	endpoint Endpoint
	ns       netns.NsHandle
	handle   *netlink.Handle
	links    int
}

// NetnsProvisioner builds hosts as named network namespaces joined to a linux
// bridge by veth pairs. Must run as root.
type NetnsProvisioner struct {
	logger util.Logger

	mu       sync.Mutex
	root     *netlink.Handle
	bridge   string
	ports    int
	hosts    map[string]*hostState
	order    []string
	links    []Link
	rootSide []string
	started  bool
	torn     bool
}

func NewNetnsProvisioner(logger util.Logger) *NetnsProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetnsProvisioner{
		logger: logger,
		hosts:  make(map[string]*hostState),
	}
}

func (p *NetnsProvisioner) rootHandle() (*netlink.Handle, error) {
	if p.root != nil {
		return p.root, nil
	}
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	p.root = h
	return h, nil
}

func (p *NetnsProvisioner) CreateSwitch(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridge != "" {
		return fmt.Errorf("switch %s already created", p.bridge)
	}
	h, err := p.rootHandle()
	if err != nil {
		return err
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := h.LinkAdd(br); err != nil {
		return fmt.Errorf("add bridge %s: %w", name, err)
	}
	p.bridge = name
	if err := h.LinkSetUp(br); err != nil {
		return fmt.Errorf("bridge %s up: %w", name, err)
	}
	p.logger.Debug("switch created", "name", name)
	return nil
}

// CreateEndpoint creates a namespace named after the host. Hosts are numbered
// in creation order starting at 10.0.0.1.
func (p *NetnsProvisioner) CreateEndpoint(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hosts[name]; ok {
		return fmt.Errorf("endpoint %s already exists", name)
	}
	ns, err := newNamedNamespace(name)
	if err != nil {
		return fmt.Errorf("namespace %s: %w", name, err)
	}
	st := &hostState{
		endpoint: Endpoint{
			Name:      name,
			Namespace: name,
			IP:        net.IPv4(10, 0, 0, byte(len(p.order)+1)).To4(),
		},
		ns: ns,
	}
	p.hosts[name] = st
	p.order = append(p.order, name)

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in %s: %w", name, err)
	}
	st.handle = h
	lo, err := h.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("%s lo: %w", name, err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return fmt.Errorf("%s lo up: %w", name, err)
	}
	p.logger.Debug("endpoint created", "name", name, "ip", st.endpoint.Address())
	return nil
}

// newNamedNamespace creates a named namespace without leaving the calling
// thread inside it.
func newNamedNamespace(name string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	orig, err := netns.Get()
	if err != nil {
		return netns.None(), err
	}
	defer orig.Close()
	ns, err := netns.NewNamed(name)
	if err != nil {
		return netns.None(), err
	}
	if err := netns.Set(orig); err != nil {
		ns.Close()
		return netns.None(), fmt.Errorf("restore namespace: %w", err)
	}
	return ns, nil
}

// CreateLink joins a host to the switch. The switch side is <switch>-eth<k>
// and the host side is <host>-eth<j>, numbered per device.
func (p *NetnsProvisioner) CreateLink(a, b string, params LinkParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	host, sw := a, b
	if a == p.bridge {
		host, sw = b, a
	}
	if sw != p.bridge || p.bridge == "" {
		return fmt.Errorf("link %s-%s: only host-to-switch links are supported", a, b)
	}
	st, ok := p.hosts[host]
	if !ok {
		return fmt.Errorf("link %s-%s: unknown endpoint %s", a, b, host)
	}
	root, err := p.rootHandle()
	if err != nil {
		return err
	}

	swPort := SwitchPort(sw, p.ports+1)
	hostIf := fmt.Sprintf("%s-eth%d", host, st.links)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: swPort},
		PeerName:  hostIf,
	}
	if err := root.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s/%s: %w", swPort, hostIf, err)
	}
	p.ports++
	st.links++
	p.rootSide = append(p.rootSide, swPort)

	peer, err := root.LinkByName(hostIf)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", hostIf, err)
	}
	if err := root.LinkSetNsFd(peer, int(st.ns)); err != nil {
		return fmt.Errorf("move %s into %s: %w", hostIf, host, err)
	}

	bridge, err := root.LinkByName(sw)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", sw, err)
	}
	port, err := root.LinkByName(swPort)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", swPort, err)
	}
	if err := root.LinkSetMaster(port, bridge); err != nil {
		return fmt.Errorf("attach %s to %s: %w", swPort, sw, err)
	}
	if err := root.LinkSetUp(port); err != nil {
		return fmt.Errorf("%s up: %w", swPort, err)
	}

	inner, err := st.handle.LinkByName(hostIf)
	if err != nil {
		return fmt.Errorf("lookup %s in %s: %w", hostIf, host, err)
	}
	if st.endpoint.Interface == "" {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: st.endpoint.IP, Mask: net.CIDRMask(24, 32)}}
		if err := st.handle.AddrAdd(inner, addr); err != nil {
			return fmt.Errorf("address %s on %s: %w", addr, hostIf, err)
		}
		st.endpoint.Interface = hostIf
	}
	if err := st.handle.LinkSetUp(inner); err != nil {
		return fmt.Errorf("%s up: %w", hostIf, err)
	}

	if err := shapeLink(root, port, params); err != nil {
		return fmt.Errorf("shape %s: %w", swPort, err)
	}
	if err := shapeLink(st.handle, inner, params); err != nil {
		return fmt.Errorf("shape %s: %w", hostIf, err)
	}

	p.links = append(p.links, Link{A: host, B: sw, PortA: hostIf, PortB: swPort, Params: params})
	p.logger.Info("link created", "host", host, "switch", sw, "port", swPort, "params", params.String())
	return nil
}

func (p *NetnsProvisioner) Start() (Topology, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridge == "" {
		return nil, errors.New("no switch created")
	}
	if p.started {
		return nil, errors.New("already started")
	}
	for _, name := range p.order {
		if p.hosts[name].endpoint.Interface == "" {
			return nil, fmt.Errorf("endpoint %s has no link", name)
		}
	}
	p.started = true
	return &netnsTopology{p: p}, nil
}

func (p *NetnsProvisioner) Abort() error {
	return p.teardown()
}

// teardown deletes switch ports (which removes each veth pair), the bridge and
// every namespace. Failures are collected and teardown keeps going.
func (p *NetnsProvisioner) teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.torn {
		return nil
	}
	p.torn = true

	var errs []error
	if p.root != nil {
		for _, name := range p.rootSide {
			link, err := p.root.LinkByName(name)
			if err != nil {
				continue
			}
			if err := p.root.LinkDel(link); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			}
		}
		if p.bridge != "" {
			if br, err := p.root.LinkByName(p.bridge); err == nil {
				if err := p.root.LinkDel(br); err != nil {
					errs = append(errs, fmt.Errorf("delete bridge %s: %w", p.bridge, err))
				}
			}
		}
		p.root.Close()
	}
	for _, name := range p.order {
		st := p.hosts[name]
		if st.handle != nil {
			st.handle.Close()
		}
		st.ns.Close()
		if err := netns.DeleteNamed(name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", name, err))
		}
	}
	p.logger.Info("topology removed", "hosts", len(p.order), "links", len(p.links))
	return errors.Join(errs...)
}

type netnsTopology struct {
	p *NetnsProvisioner
}

func (t *netnsTopology) Endpoint(name string) (Endpoint, bool) {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	st, ok := t.p.hosts[name]
	if !ok {
		return Endpoint{}, false
	}
	return st.endpoint, true
}

func (t *netnsTopology) Endpoints() []Endpoint {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	out := make([]Endpoint, 0, len(t.p.order))
	for _, name := range t.p.order {
		out = append(out, t.p.hosts[name].endpoint)
	}
	return out
}

func (t *netnsTopology) Links() []Link {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return append([]Link(nil), t.p.links...)
}

func (t *netnsTopology) BottleneckInterface() string {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	for _, l := range t.p.links {
		if l.Params.Bottleneck {
			return l.PortB
		}
	}
	return ""
}

func (t *netnsTopology) Teardown() error {
	if err := t.p.teardown(); err != nil {
		return &Error{Op: "teardown", Err: err}
	}
	return nil
}

// RemoveLeftovers deletes a bridge and namespaces left behind by a run that
// did not tear down. Missing devices are skipped; it returns how many were
// removed.
func RemoveLeftovers(logger util.Logger, plan Plan) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	removed := 0
	var errs []error
	if br, err := netlink.LinkByName(plan.Switch); err == nil {
		if err := netlink.LinkDel(br); err != nil {
			errs = append(errs, fmt.Errorf("delete bridge %s: %w", plan.Switch, err))
		} else {
			removed++
			logger.Info("removed leftover switch", "name", plan.Switch)
		}
	}
	for _, name := range plan.Hosts {
		ns, err := netns.GetFromName(name)
		if err != nil {
			continue
		}
		ns.Close()
		if err := netns.DeleteNamed(name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", name, err))
			continue
		}
		removed++
		logger.Info("removed leftover namespace", "name", name)
	}
	return removed, errors.Join(errs...)
}
