package daemon

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/peerfence/peerfence/internal/store"
	"github.com/peerfence/peerfence/pkg/blockset"
)

// BlocklistWatcher loads a blocklist file and re-applies it whenever the
// file changes. Lines are IPv4 addresses or hostnames; hostnames are
// resolved to A records through the configured resolver. The block set is
// additive, so a reload only ever inserts.
type BlocklistWatcher struct {
	path     string
	resolver string
	block    BlockFunc
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewBlocklistWatcher(path, resolver string, block BlockFunc, logger zerolog.Logger) *BlocklistWatcher {
	return &BlocklistWatcher{
		path:     path,
		resolver: resolver,
		block:    block,
		logger:   logger.With().Str("component", "blocklist").Str("file", path).Logger(),
		done:     make(chan struct{}),
	}
}

// Start loads the file once and begins watching for changes. A missing
// or unreadable file at startup is fatal; later load failures are logged
// and the previous entries stay blocked.
func (b *BlocklistWatcher) Start() error {
	if err := b.load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the parent directory: editors replace files instead of
	// writing in place, which would silently drop a watch on the file
	// itself.
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return err
	}
	b.watcher = watcher

	b.wg.Add(1)
	go b.watch()

	b.logger.Debug().Msg("watching blocklist file")
	return nil
}

func (b *BlocklistWatcher) Stop() {
	close(b.done)
	if b.watcher != nil {
		b.watcher.Close()
	}
	b.wg.Wait()
}

func (b *BlocklistWatcher) watch() {
	defer b.wg.Done()

	base := filepath.Base(b.path)
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := b.load(); err != nil {
				b.logger.Warn().Err(err).Msg("blocklist reload failed")
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn().Err(err).Msg("blocklist watcher error")
		}
	}
}

func (b *BlocklistWatcher) load() error {
	f, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("opening blocklist: %w", err)
	}
	defer f.Close()

	var applied, failed int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		for _, addr := range b.resolveEntry(line) {
			if err := b.block(addr, fmt.Sprintf("blocklist entry %q", line), store.SourceBlocklist); err != nil {
				b.logger.Error().Err(err).Stringer("addr", addr).Msg("failed to block")
				failed++
				continue
			}
			applied++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading blocklist: %w", err)
	}

	b.logger.Info().Int("applied", applied).Int("failed", failed).Msg("blocklist loaded")
	return nil
}

// resolveEntry turns one blocklist line into zero or more IPv4 addresses.
// Resolution failures are logged, never fatal: one bad entry must not
// take down the rest of the list.
func (b *BlocklistWatcher) resolveEntry(entry string) []netip.Addr {
	if addr, err := blockset.ParseAddr(entry); err == nil {
		return []netip.Addr{addr}
	}

	addrs, err := b.resolveHost(entry)
	if err != nil {
		b.logger.Warn().Err(err).Str("entry", entry).Msg("cannot resolve blocklist entry")
		return nil
	}
	return addrs
}

func (b *BlocklistWatcher) resolveHost(host string) ([]netip.Addr, error) {
	client := &dns.Client{Timeout: 5 * time.Second}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	reply, _, err := client.Exchange(msg, b.resolver)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", b.resolver, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolving %s: %s", host, dns.RcodeToString[reply.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range reply.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
