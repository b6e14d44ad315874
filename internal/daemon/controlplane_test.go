package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerfence/peerfence/pkg/blockset"
)

type controlFixture struct {
	cp     *ControlPlane
	set    *blockset.Memory
	socket string
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	set := blockset.NewMemory()
	socket := filepath.Join(t.TempDir(), "ctl.sock")

	cp := NewControlPlane(socket, func(addr netip.Addr, reason, source string) error {
		return set.Insert(addr)
	}, zerolog.New(io.Discard))

	require.NoError(t, cp.Start())
	t.Cleanup(cp.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cp.Serve(ctx)

	return &controlFixture{cp: cp, set: set, socket: socket}
}

func (f *controlFixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", f.socket, 2*time.Second)
	require.NoError(t, err)
	return conn
}

func TestControlPlaneAppliesCommands(t *testing.T) {
	f := newControlFixture(t)

	conn := f.dial(t)
	defer conn.Close()

	addr := netip.MustParseAddr("95.217.203.43")
	b := addr.As4()
	_, err := conn.Write(b[:])
	require.NoError(t, err)

	assert.True(t, waitForCondition(2*time.Second, func() bool {
		return f.set.Contains(addr)
	}), "address should be inserted within the propagation bound")
}

func TestControlPlaneStreamsMultipleCommands(t *testing.T) {
	f := newControlFixture(t)

	conn := f.dial(t)
	defer conn.Close()

	// One write carrying three consecutive commands, no framing.
	var buf []byte
	addrs := []netip.Addr{
		netip.MustParseAddr("10.1.1.1"),
		netip.MustParseAddr("10.1.1.2"),
		netip.MustParseAddr("10.1.1.3"),
	}
	for _, a := range addrs {
		b := a.As4()
		buf = append(buf, b[:]...)
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	assert.True(t, waitForCondition(2*time.Second, func() bool {
		return f.set.Len() == len(addrs)
	}))
	for _, a := range addrs {
		assert.True(t, f.set.Contains(a))
	}
}

func TestPartialCommandDiscarded(t *testing.T) {
	f := newControlFixture(t)

	conn := f.dial(t)
	_, err := conn.Write([]byte{95, 217, 203})
	require.NoError(t, err)
	conn.Close()

	// Give the listener time to notice the close; nothing may be
	// inserted and the listener must keep accepting.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.set.Len(), "partial command must not insert")

	conn2 := f.dial(t)
	defer conn2.Close()

	addr := netip.MustParseAddr("1.2.3.4")
	b := addr.As4()
	_, err = conn2.Write(b[:])
	require.NoError(t, err)

	assert.True(t, waitForCondition(2*time.Second, func() bool {
		return f.set.Contains(addr)
	}), "listener should still accept after a bad connection")
}

func TestPartialThenCompleteWithinConnection(t *testing.T) {
	f := newControlFixture(t)

	conn := f.dial(t)
	defer conn.Close()

	addr := netip.MustParseAddr("51.15.220.7")
	b := addr.As4()

	// Commands may straddle writes: the listener reads exactly 4 bytes
	// per command regardless of write boundaries.
	_, err := conn.Write(b[:2])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(b[2:])
	require.NoError(t, err)

	assert.True(t, waitForCondition(2*time.Second, func() bool {
		return f.set.Contains(addr)
	}))
}

func TestConcurrentConnections(t *testing.T) {
	const (
		conns         = 4
		addrsPerConn  = 100
		expectedTotal = conns * addrsPerConn
	)

	f := newControlFixture(t)

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := f.dial(t)
			defer conn.Close()
			for i := 0; i < addrsPerConn; i++ {
				b := [4]byte{172, byte(16 + c), byte(i / 256), byte(i % 256)}
				_, err := conn.Write(b[:])
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	assert.True(t, waitForCondition(5*time.Second, func() bool {
		return f.set.Len() == expectedTotal
	}), "every insert must land, none lost or duplicated: got %d want %d", f.set.Len(), expectedTotal)

	for c := 0; c < conns; c++ {
		for i := 0; i < addrsPerConn; i++ {
			addr := netip.AddrFrom4([4]byte{172, byte(16 + c), byte(i / 256), byte(i % 256)})
			assert.True(t, f.set.Contains(addr))
		}
	}
}

func TestStaleSocketFileRemoved(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, os.WriteFile(socket, []byte("stale"), 0644))

	cp := NewControlPlane(socket, func(addr netip.Addr, reason, source string) error {
		return nil
	}, zerolog.New(io.Discard))

	require.NoError(t, cp.Start(), "stale socket file should be removed and rebound")
	cp.Stop()
}

func TestBlockErrorIsPerCommand(t *testing.T) {
	set := blockset.NewMemory()
	socket := filepath.Join(t.TempDir(), "ctl.sock")

	// Fail the first command, accept the rest.
	var mu sync.Mutex
	calls := 0
	cp := NewControlPlane(socket, func(addr netip.Addr, reason, source string) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return fmt.Errorf("injected failure")
		}
		return set.Insert(addr)
	}, zerolog.New(io.Discard))

	require.NoError(t, cp.Start())
	defer cp.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cp.Serve(ctx)

	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	first := netip.MustParseAddr("10.0.0.1").As4()
	second := netip.MustParseAddr("10.0.0.2").As4()
	_, err = conn.Write(append(first[:], second[:]...))
	require.NoError(t, err)

	assert.True(t, waitForCondition(2*time.Second, func() bool {
		return set.Contains(netip.MustParseAddr("10.0.0.2"))
	}), "a failed command must not kill the connection")
	assert.False(t, set.Contains(netip.MustParseAddr("10.0.0.1")))
}
