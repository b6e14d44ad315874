package blockset

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndContains(t *testing.T) {
	s := NewMemory()

	addr := netip.MustParseAddr("51.15.220.7")
	require.False(t, s.Contains(addr), "empty set should not contain anything")

	require.NoError(t, s.Insert(addr))
	assert.True(t, s.Contains(addr))
	assert.False(t, s.Contains(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, 1, s.Len())
}

func TestInsertIdempotent(t *testing.T) {
	s := NewMemory()
	addr := netip.MustParseAddr("95.217.203.43")

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert(addr))
	}

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(addr))
}

func TestInsertRejectsNonIPv4(t *testing.T) {
	s := NewMemory()
	err := s.Insert(netip.MustParseAddr("2001:db8::1"))
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestMappedAddressCanonicalized(t *testing.T) {
	s := NewMemory()

	require.NoError(t, s.Insert(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.True(t, s.Contains(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, s.Contains(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentInsert(t *testing.T) {
	const (
		writers       = 8
		addrsPerWrite = 100
	)

	s := NewMemory()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < addrsPerWrite; i++ {
				addr := netip.MustParseAddr(fmt.Sprintf("10.%d.%d.%d", w, i/256, i%256))
				require.NoError(t, s.Insert(addr))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*addrsPerWrite, s.Len(), "no lost or duplicated inserts")
	for w := 0; w < writers; w++ {
		for i := 0; i < addrsPerWrite; i++ {
			addr := netip.MustParseAddr(fmt.Sprintf("10.%d.%d.%d", w, i/256, i%256))
			assert.True(t, s.Contains(addr))
		}
	}
}

func TestContainsDuringWrites(t *testing.T) {
	s := NewMemory()
	pinned := netip.MustParseAddr("51.15.220.7")
	require.NoError(t, s.Insert(pinned))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Insert(netip.MustParseAddr(fmt.Sprintf("172.16.%d.%d", i/256, i%256)))
		}
	}()

	// Readers must observe every insert that completed before they began,
	// with no partial snapshots, while the writer churns.
	for i := 0; i < 10000; i++ {
		require.True(t, s.Contains(pinned))
	}
	<-done

	assert.Equal(t, 1001, s.Len())
}

func TestAddrsSnapshot(t *testing.T) {
	s := NewMemory()
	want := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	for _, a := range want {
		require.NoError(t, s.Insert(netip.MustParseAddr(a)))
	}

	addrs := s.Addrs()
	require.Len(t, addrs, len(want))

	seen := make(map[string]bool)
	for _, a := range addrs {
		seen[a.String()] = true
	}
	for _, a := range want {
		assert.True(t, seen[a], "missing %s", a)
	}
}

func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("51.15.220.7")
	require.NoError(t, err)
	assert.Equal(t, "51.15.220.7", addr.String())

	_, err = ParseAddr("not-an-ip")
	assert.Error(t, err)

	_, err = ParseAddr("2001:db8::1")
	assert.Error(t, err)
}

func TestAddrFromBytes(t *testing.T) {
	addr := AddrFromBytes([4]byte{95, 217, 203, 43})
	assert.Equal(t, "95.217.203.43", addr.String())
}
