//go:build linux

package qmon

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

// NetlinkReader reports the packet backlog of an interface's root qdisc, the
// same count `tc -s qdisc` shows. The root qdisc's length covers every child
// queue below it.
type NetlinkReader struct{}

func (NetlinkReader) Depth(iface string) (int, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return 0, err
	}
	qdiscs, err := netlink.QdiscList(link)
	if err != nil {
		return 0, fmt.Errorf("QdiscList: %w", err)
	}
	for _, q := range qdiscs {
		attrs := q.Attrs()
		if attrs.Parent != netlink.HANDLE_ROOT {
			continue
		}
		if attrs.Statistics == nil || attrs.Statistics.Queue == nil {
			return 0, errors.New("root qdisc has no statistics")
		}
		return int(attrs.Statistics.Queue.Qlen), nil
	}
	return 0, errors.New("no root qdisc")
}
