package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/peerfence/peerfence/internal/store"
	"github.com/peerfence/peerfence/pkg/blockset"
)

// BlockFunc applies one block command. reason is free text for the audit
// trail, source is one of the store.Source* constants.
type BlockFunc func(addr netip.Addr, reason, source string) error

// ControlPlane accepts block commands on a unix domain socket. The wire
// format is a stream of 4-byte units, each one IPv4 address in network
// byte order. No framing, no acknowledgment: the node writes addresses,
// the firewall blocks them.
type ControlPlane struct {
	path   string
	block  BlockFunc
	logger zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewControlPlane(path string, block BlockFunc, logger zerolog.Logger) *ControlPlane {
	return &ControlPlane{
		path:   path,
		block:  block,
		logger: logger.With().Str("component", "controlplane").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the socket. A stale socket file from a previous run is
// removed first; an unbindable path is fatal for the caller.
func (c *ControlPlane) Start() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", c.path, err)
	}

	ln, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("binding control socket %s: %w", c.path, err)
	}

	// The daemon runs privileged but the node it protects does not, and
	// the node must be able to send block commands.
	if err := os.Chmod(c.path, 0666); err != nil {
		c.logger.Warn().Err(err).Msg("failed to set control socket permissions")
	}

	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.logger.Info().Str("socket", c.path).Msg("listening for block commands")
	return nil
}

// Serve runs the accept loop until the context is cancelled or the
// listener is closed. Each connection gets its own goroutine; a client
// disconnecting never stops the listener.
func (c *ControlPlane) Serve(ctx context.Context) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// Stop closes the listener and all open connections, then waits for the
// per-connection goroutines to drain.
func (c *ControlPlane) Stop() {
	c.mu.Lock()
	if c.ln != nil {
		c.ln.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *ControlPlane) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	var cmd [4]byte
	for {
		if _, err := io.ReadFull(conn, cmd[:]); err != nil {
			// EOF is a clean disconnect. A trailing partial command is
			// discarded, not an error: the connection simply ended.
			if err != io.EOF && err != io.ErrUnexpectedEOF && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn().Err(err).Msg("reading command")
			}
			return
		}

		addr := blockset.AddrFromBytes(cmd)
		if err := c.block(addr, "control command", store.SourceControl); err != nil {
			// Per-connection failures stay per-connection.
			c.logger.Error().Err(err).Stringer("addr", addr).Msg("failed to apply block command")
			continue
		}
		c.logger.Info().Stringer("addr", addr).Msg("blocked")
	}
}
