//go:build linux

package filter

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// XDP is the kernel-resident filter bound to one network device.
type XDP struct {
	mu        sync.Mutex
	coll      *ebpf.Collection
	blocklist *ebpf.Map
	stats     *ebpf.Map
	xdpLink   link.Link
	device    string
}

// NewXDP loads the compiled XDP object from objPath and attaches its
// firewall program to the named device. Any failure here means the device
// is not being filtered, so callers treat it as fatal.
func NewXDP(device, objPath string) (*XDP, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading XDP object %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating XDP collection: %w", err)
	}

	prog, ok := coll.Programs[ProgramName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("program %q not found in %s", ProgramName, objPath)
	}
	blocklist, ok := coll.Maps[BlocklistMap]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("map %q not found in %s", BlocklistMap, objPath)
	}
	stats, ok := coll.Maps[StatsMap]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("map %q not found in %s", StatsMap, objPath)
	}

	iface, err := net.InterfaceByName(device)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("getting device %s: %w", device, err)
	}

	xdpLink, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: iface.Index,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attaching XDP program to %s: %w", device, err)
	}

	return &XDP{
		coll:      coll,
		blocklist: blocklist,
		stats:     stats,
		xdpLink:   xdpLink,
		device:    device,
	}, nil
}

// Insert publishes addr into the kernel blocklist map. The value is the
// per-address drop counter, so an existing entry is left untouched.
func (x *XDP) Insert(addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.Is4() {
		return fmt.Errorf("%s is not an IPv4 address", addr)
	}

	key := addr.As4()
	err := x.blocklist.Update(key, uint64(0), ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting %s into blocklist map: %w", addr, err)
	}
	return nil
}

// Stats reads the aggregate passed/dropped counters from the per-CPU
// stats array.
func (x *XDP) Stats() (Stats, error) {
	var stats Stats

	passed, err := x.readPerCPU(0)
	if err != nil {
		return stats, fmt.Errorf("reading passed count: %w", err)
	}
	dropped, err := x.readPerCPU(1)
	if err != nil {
		return stats, fmt.Errorf("reading dropped count: %w", err)
	}

	stats.Passed = passed
	stats.Dropped = dropped
	return stats, nil
}

func (x *XDP) readPerCPU(index uint32) (uint64, error) {
	perCPU := make([]uint64, runtime.NumCPU())
	if err := x.stats.Lookup(index, &perCPU); err != nil {
		return 0, err
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total, nil
}

// DropCounts iterates the blocklist map and returns the drop counter for
// every blocked address.
func (x *XDP) DropCounts() (map[netip.Addr]uint64, error) {
	counts := make(map[netip.Addr]uint64)

	var (
		key   [4]byte
		drops uint64
	)
	it := x.blocklist.Iterate()
	for it.Next(&key, &drops) {
		counts[netip.AddrFrom4(key)] = drops
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocklist map: %w", err)
	}
	return counts, nil
}

func (x *XDP) Device() string {
	return x.device
}

// Close detaches the program from the device and releases the BPF
// resources. The device returns to unfiltered operation.
func (x *XDP) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var errs []error
	if x.xdpLink != nil {
		if err := x.xdpLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		x.xdpLink = nil
	}
	if x.coll != nil {
		x.coll.Close()
		x.coll = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
