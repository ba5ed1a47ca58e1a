package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/vishvananda/netns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	protocolICMP = 1
	readTimeout  = 200 * time.Millisecond
	payload      = "bufferbloat"
)

// pinger sends echo requests at a fixed interval without waiting for replies,
// as ping does, so queueing delay longer than the interval is still measured.
type pinger struct {
	conn     *icmp.PacketConn
	dst      net.IP
	interval time.Duration
	out      *os.File
	id       int

	mu   sync.Mutex
	sent map[int]time.Time
}

// newPinger opens the ICMP socket inside namespace ns (the current namespace
// when empty) and truncates the output file.
func newPinger(ns string, spec Spec) (*pinger, error) {
	dst := net.ParseIP(spec.TargetAddress).To4()
	if dst == nil {
		return nil, fmt.Errorf("icmp probe needs an IPv4 target, got %q", spec.TargetAddress)
	}
	conn, err := listenIn(ns)
	if err != nil {
		return nil, fmt.Errorf("icmp socket in %q: %w", ns, err)
	}
	out, err := os.Create(spec.Output)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &pinger{
		conn:     conn,
		dst:      dst,
		interval: spec.Interval,
		out:      out,
		id:       rand.Intn(0xffff),
		sent:     make(map[int]time.Time),
	}, nil
}

// listenIn opens the socket while the thread is inside ns. The socket stays
// bound to that namespace after the thread switches back.
func listenIn(ns string) (*icmp.PacketConn, error) {
	if ns == "" {
		return icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	orig, err := netns.Get()
	if err != nil {
		return nil, err
	}
	defer orig.Close()
	target, err := netns.GetFromName(ns)
	if err != nil {
		return nil, err
	}
	defer target.Close()
	if err := netns.Set(target); err != nil {
		return nil, err
	}
	conn, listenErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err := netns.Set(orig); err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, fmt.Errorf("restore namespace: %w", err)
	}
	return conn, listenErr
}

func (p *pinger) run(ctx context.Context) error {
	defer p.out.Close()
	defer p.conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.send(ctx)
	}()
	err := p.receive(ctx)
	wg.Wait()
	return err
}

func (p *pinger) send(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for seq := 1; ; seq++ {
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{
				ID:   p.id,
				Seq:  seq & 0xffff,
				Data: []byte(payload),
			},
		}
		raw, err := msg.Marshal(nil)
		if err == nil {
			p.mu.Lock()
			p.sent[seq&0xffff] = time.Now()
			p.mu.Unlock()
			_, _ = p.conn.WriteTo(raw, &net.IPAddr{IP: p.dst})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// receive is the only writer of the output file. Lines follow ping's reply
// format so ParseFile reads either mode.
func (p *pinger) receive(ctx context.Context) error {
	w := bufio.NewWriter(p.out)
	defer w.Flush()
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		received := time.Now()
		if ip, ok := peer.(*net.IPAddr); ok && ip.IP != nil && !ip.IP.Equal(p.dst) {
			continue
		}
		parsed, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.ID != p.id {
			continue
		}
		p.mu.Lock()
		sentAt, ok := p.sent[echo.Seq]
		delete(p.sent, echo.Seq)
		p.mu.Unlock()
		if !ok {
			continue
		}
		rtt := received.Sub(sentAt)
		fmt.Fprintf(w, "%d bytes from %s: icmp_seq=%d time=%.3f ms\n",
			n, p.dst, echo.Seq, float64(rtt.Microseconds())/1000)
		w.Flush()
	}
}
