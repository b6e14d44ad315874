//go:build !linux

package filter

import (
	"fmt"
	"net/netip"
)

// XDP filtering needs a Linux kernel. The stub keeps the daemon building
// on other platforms; attaching always fails at startup.
type XDP struct{}

func NewXDP(device, objPath string) (*XDP, error) {
	return nil, fmt.Errorf("XDP filtering is only supported on linux")
}

func (x *XDP) Insert(addr netip.Addr) error { return errUnsupported }

func (x *XDP) Stats() (Stats, error) { return Stats{}, errUnsupported }

func (x *XDP) DropCounts() (map[netip.Addr]uint64, error) { return nil, errUnsupported }

func (x *XDP) Device() string { return "" }

func (x *XDP) Close() error { return nil }

var errUnsupported = fmt.Errorf("XDP filtering is only supported on linux")
