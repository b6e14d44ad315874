// Package blockset holds the set of IPv4 source addresses the firewall
// drops. Reads happen on the packet path, so Contains is lock-free: the
// set is an immutable map published through an atomic pointer, and writers
// build a new map and swap it in.
package blockset

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Set is the authoritative collection of blocked IPv4 addresses.
//
// Contains must never block and must be safe to call concurrently with
// Insert. Insert is idempotent. There is no remove: block commands only
// add.
type Set interface {
	Insert(addr netip.Addr) error
	Contains(addr netip.Addr) bool
	Len() int
	Addrs() []netip.Addr
}

// Memory is the in-process Set implementation. Writers serialize on a
// mutex, copy the current snapshot, and publish the new one atomically.
// Readers only ever see a fully-built snapshot.
type Memory struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[netip.Addr]struct{}]
}

func NewMemory() *Memory {
	m := &Memory{}
	empty := make(map[netip.Addr]struct{})
	m.snapshot.Store(&empty)
	return m
}

// Insert adds addr to the set. Inserting an address that is already
// present is a no-op and does not publish a new snapshot.
func (m *Memory) Insert(addr netip.Addr) error {
	addr, err := canonical(addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.snapshot.Load()
	if _, ok := cur[addr]; ok {
		return nil
	}

	next := make(map[netip.Addr]struct{}, len(cur)+1)
	for a := range cur {
		next[a] = struct{}{}
	}
	next[addr] = struct{}{}
	m.snapshot.Store(&next)
	return nil
}

// Contains reports whether addr is blocked. Never blocks.
func (m *Memory) Contains(addr netip.Addr) bool {
	addr, err := canonical(addr)
	if err != nil {
		return false
	}
	_, ok := (*m.snapshot.Load())[addr]
	return ok
}

func (m *Memory) Len() int {
	return len(*m.snapshot.Load())
}

// Addrs returns the blocked addresses at the current snapshot. Order is
// unspecified.
func (m *Memory) Addrs() []netip.Addr {
	cur := *m.snapshot.Load()
	addrs := make([]netip.Addr, 0, len(cur))
	for a := range cur {
		addrs = append(addrs, a)
	}
	return addrs
}

// canonical narrows addr to plain IPv4, unwrapping 4-in-6 mapped
// addresses so both spellings land on the same entry.
func canonical(addr netip.Addr) (netip.Addr, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("blockset: %s is not an IPv4 address", addr)
	}
	return addr, nil
}

// ParseAddr parses a textual IPv4 address for seeding from flags or files.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return canonical(addr)
}

// AddrFromBytes builds an address from a 4-byte network-order command.
func AddrFromBytes(b [4]byte) netip.Addr {
	return netip.AddrFrom4(b)
}
