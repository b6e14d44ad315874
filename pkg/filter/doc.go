// Package filter provides the XDP-based data plane of the firewall.
//
// The kernel side is a single XDP program (bpf/xdp_filter.c, compiled out
// of band) that drops ingress frames whose IPv4 source address appears in
// its blocklist map and passes everything else, including frames it cannot
// parse. This package loads the compiled object, attaches it to one
// network device, and exposes the blocklist map and counters to the
// daemon.
//
// # XDP
//
// NewXDP attaches the program to a named device. The returned XDP value is
// the live binding: Insert publishes an address into the kernel map,
// Stats and DropCounts read the counters, Close detaches the program and
// returns the device to unfiltered operation. At most one binding per
// device per process.
//
// # Classifier
//
// Classifier is the same verdict logic in userspace, driven by a
// blockset.Set. It exists so the drop semantics can run (and be tested)
// without a kernel: hand it a raw Ethernet frame and it answers Pass or
// Drop exactly as the XDP program would.
package filter
