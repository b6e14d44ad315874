package filter

import (
	"net/netip"
	"sync/atomic"

	"github.com/peerfence/peerfence/pkg/blockset"
)

// Verdict is the per-frame decision.
type Verdict int

const (
	Pass Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "pass"
}

const (
	ethHeaderLen  = 14
	etherTypeIPv4 = 0x0800
	ipv4MinHeader = 20
)

// Classifier applies the firewall verdict to raw Ethernet frames in
// userspace. It walks the same fixed header offsets as the XDP program
// and takes the same fail-open branches: anything that is not a
// well-formed IPv4 frame passes.
type Classifier struct {
	set     blockset.Set
	passed  atomic.Uint64
	dropped atomic.Uint64
}

func NewClassifier(set blockset.Set) *Classifier {
	return &Classifier{set: set}
}

// Classify returns the verdict for one ingress frame. Safe for concurrent
// use; never blocks on the set.
func (c *Classifier) Classify(frame []byte) Verdict {
	src, ok := sourceAddr(frame)
	if !ok {
		return c.pass()
	}
	if c.set.Contains(src) {
		c.dropped.Add(1)
		return Drop
	}
	return c.pass()
}

func (c *Classifier) pass() Verdict {
	c.passed.Add(1)
	return Pass
}

// Stats returns the counters accumulated so far.
func (c *Classifier) Stats() Stats {
	return Stats{
		Passed:  c.passed.Load(),
		Dropped: c.dropped.Load(),
	}
}

// sourceAddr extracts the IPv4 source address from an Ethernet frame.
// ok is false for anything filtering does not apply to.
func sourceAddr(frame []byte) (netip.Addr, bool) {
	if len(frame) < ethHeaderLen+ipv4MinHeader {
		return netip.Addr{}, false
	}

	etherType := uint16(frame[12])<<8 | uint16(frame[13])
	if etherType != etherTypeIPv4 {
		return netip.Addr{}, false
	}

	ip := frame[ethHeaderLen:]
	version := ip[0] >> 4
	ihl := int(ip[0]&0x0f) * 4
	if version != 4 || ihl < ipv4MinHeader || len(ip) < ihl {
		return netip.Addr{}, false
	}

	var src [4]byte
	copy(src[:], ip[12:16])
	return netip.AddrFrom4(src), true
}
