package filter

import "net/netip"

// Program and map names inside the compiled XDP object.
const (
	ProgramName   = "firewall"
	BlocklistMap  = "blocklist"
	StatsMap      = "stats"
	DefaultObject = "/usr/lib/peerfence/xdp_filter.o"
)

// Stats holds the filter's aggregate packet counters.
type Stats struct {
	Passed  uint64
	Dropped uint64
}

// Filter is the live data-plane binding the daemon talks to.
type Filter interface {
	// Insert publishes a blocked source address to the data plane.
	// Idempotent: re-inserting never resets the address's drop counter.
	Insert(addr netip.Addr) error

	// Stats returns aggregate passed/dropped counters.
	Stats() (Stats, error)

	// DropCounts returns per-blocked-address drop counters.
	DropCounts() (map[netip.Addr]uint64, error)

	// Device returns the device the filter is bound to.
	Device() string

	// Close detaches the filter from the device and releases resources.
	Close() error
}
