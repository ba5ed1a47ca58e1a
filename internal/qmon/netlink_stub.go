//go:build !linux

package qmon

import "errors"

type NetlinkReader struct{}

func (NetlinkReader) Depth(iface string) (int, error) {
	return 0, errors.New("queue statistics require linux")
}
