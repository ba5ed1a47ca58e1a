//go:build linux

package topology

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	handleMajorHTB uint16 = 1
	classRootMinor uint16 = 1
	netemMajor     uint16 = 10
)

// shapeLink installs HTB rate limiting with a netem leaf carrying delay and the
// queue limit. The netem leaf is where packets wait, so its limit is the link
// buffer.
func shapeLink(h *netlink.Handle, link netlink.Link, params LinkParams) error {
	if err := clearQdiscs(h, link); err != nil {
		return err
	}
	idx := link.Attrs().Index
	mtu := link.Attrs().MTU
	if mtu <= 0 {
		mtu = 1500
	}
	hz := float64(netlink.Hz())

	rootQdiscHandle := netlink.MakeHandle(handleMajorHTB, 0)
	rootClassID := netlink.MakeHandle(handleMajorHTB, classRootMinor)

	htb := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: idx,
		Handle:    rootQdiscHandle,
		Parent:    netlink.HANDLE_ROOT,
	})
	htb.Defcls = uint32(classRootMinor)
	htb.Rate2Quantum = 10
	if err := qdiscReplaceOrAdd(h, htb); err != nil {
		return fmt.Errorf("add/replace root htb qdisc: %w", err)
	}

	rateBytes := bitsToBytesPerSec(uint64(params.BandwidthMbps * 1_000_000))
	if rateBytes == 0 {
		return errors.New("link bandwidth must be > 0")
	}
	burst := uint32(float64(rateBytes)/hz + float64(mtu))
	buffer := netlink.Xmittime(rateBytes, burst)

	if err := classReplaceOrAdd(h, &netlink.HtbClass{
		ClassAttrs: netlink.ClassAttrs{
			LinkIndex: idx,
			Handle:    rootClassID,
			Parent:    rootQdiscHandle,
		},
		Rate:    rateBytes,
		Ceil:    rateBytes,
		Buffer:  buffer,
		Cbuffer: buffer,
	}); err != nil {
		return fmt.Errorf("add/replace rate class: %w", err)
	}

	nattrs := netlink.NetemQdiscAttrs{
		Latency: uint32(params.Delay.Microseconds()),
	}
	if params.MaxQueue > 0 {
		nattrs.Limit = uint32(params.MaxQueue)
	}
	netem := netlink.NewNetem(netlink.QdiscAttrs{
		LinkIndex: idx,
		Parent:    rootClassID,
		Handle:    netlink.MakeHandle(netemMajor, 0),
	}, nattrs)
	if err := qdiscReplaceOrAdd(h, netem); err != nil {
		return fmt.Errorf("netem under class 1:%d: %w", classRootMinor, err)
	}
	return nil
}

func clearQdiscs(h *netlink.Handle, link netlink.Link) error {
	qdiscs, err := h.QdiscList(link)
	if err != nil {
		return fmt.Errorf("QdiscList: %w", err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_ROOT {
			_ = h.QdiscDel(q)
		}
	}
	return nil
}

func bitsToBytesPerSec(bits uint64) uint64 {
	return bits / 8
}

func qdiscReplaceOrAdd(h *netlink.Handle, q netlink.Qdisc) error {
	if err := h.QdiscReplace(q); err == nil {
		return nil
	}
	_ = h.QdiscDel(q)
	if err := h.QdiscAdd(q); err != nil {
		return fmt.Errorf("replace failed, add failed: %w", err)
	}
	return nil
}

func classReplaceOrAdd(h *netlink.Handle, c netlink.Class) error {
	replaceErr := h.ClassReplace(c)
	if replaceErr == nil {
		return nil
	}
	_ = h.ClassDel(c)
	if err := h.ClassAdd(c); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("class add got EINVAL (parent missing/unsupported?): %w (replace err was %v)", err, replaceErr)
		}
		return fmt.Errorf("replace failed, add failed: %w / %v", err, replaceErr)
	}
	return nil
}
