package daemon

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerfence/peerfence/internal/config"
	"github.com/peerfence/peerfence/internal/store"
	"github.com/peerfence/peerfence/pkg/blockset"
	"github.com/peerfence/peerfence/pkg/filter"
)

// State is the lifecycle state of the filter binding.
type State string

const (
	StateUnattached State = "unattached"
	StateAttaching  State = "attaching"
	StateActive     State = "active"
	StateDetaching  State = "detaching"
)

// FilterFactory builds the data-plane binding. Swapped out in tests.
type FilterFactory func(device, objPath string) (filter.Filter, error)

// Server owns the filter binding and every listener around it. It drives
// the lifecycle unattached -> attaching -> active -> detaching and
// guarantees the filter is detached on every exit path.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	logger     zerolog.Logger
	version    string
	instanceID string
	hostname   string

	newFilter FilterFactory

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	flt       filter.Filter

	// Userspace mirror of the kernel blocklist map. Serves every read on
	// the inspection path so the data plane is never consulted for
	// bookkeeping.
	set *blockset.Memory
}

func NewServer(cfg *config.Config, st *store.Store, logger zerolog.Logger, version string) *Server {
	hostname, _ := os.Hostname()

	return &Server{
		cfg:        cfg,
		store:      st,
		logger:     logger.With().Str("component", "daemon").Logger(),
		version:    version,
		instanceID: uuid.Must(uuid.NewV7()).String(),
		hostname:   hostname,
		newFilter:  defaultFilterFactory,
		state:      StateUnattached,
		set:        blockset.NewMemory(),
	}
}

func defaultFilterFactory(device, objPath string) (filter.Filter, error) {
	return filter.NewXDP(device, objPath)
}

// SetFilterFactory replaces the data-plane constructor. Tests use this to
// run the full lifecycle without a kernel.
func (s *Server) SetFilterFactory(fn FilterFactory) {
	s.newFilter = fn
}

// Run attaches the filter, seeds the block set, starts the control and
// query listeners, and blocks until ctx is cancelled or the device
// disappears. The filter is detached before Run returns, on every path.
func (s *Server) Run(ctx context.Context, seeds []netip.Addr) error {
	s.setState(StateAttaching)

	flt, err := s.newFilter(s.cfg.Device, s.cfg.Filter.Object)
	if err != nil {
		s.setState(StateUnattached)
		return fmt.Errorf("attaching filter to %s: %w", s.cfg.Device, err)
	}

	s.mu.Lock()
	s.flt = flt
	s.startedAt = time.Now()
	s.mu.Unlock()

	defer func() {
		s.setState(StateDetaching)
		if err := flt.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("error detaching filter")
		}
		s.setState(StateUnattached)
		s.logger.Info().Str("device", s.cfg.Device).Msg("filter detached")
	}()

	s.logger.Info().
		Str("device", s.cfg.Device).
		Str("object", s.cfg.Filter.Object).
		Msg("filter attached")

	for _, addr := range seeds {
		if err := s.Block(addr, "command line argument", store.SourceSeed); err != nil {
			return fmt.Errorf("seeding block set: %w", err)
		}
	}
	if err := s.reseedFromStore(); err != nil {
		return err
	}

	// Device disappearing after a successful attach triggers a clean
	// shutdown rather than silent continuation with a broken binding.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher := NewDeviceWatcher(s.cfg.Device, s.logger, func() {
		s.logger.Error().Str("device", s.cfg.Device).Msg("device removed, shutting down")
		cancel()
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("watching device %s: %w", s.cfg.Device, err)
	}
	defer watcher.Stop()

	// Control commands are accepted only once the filter is enforcing.
	control := NewControlPlane(s.cfg.Socket, s.Block, s.logger)
	if err := control.Start(); err != nil {
		return err
	}
	defer control.Stop()
	go control.Serve(runCtx)

	query := NewQueryServer(s.cfg.QuerySocket, s.queryRouter(), s.logger)
	if err := query.Start(); err != nil {
		return err
	}
	defer query.Stop()

	if s.cfg.Blocklist.File != "" {
		bl := NewBlocklistWatcher(s.cfg.Blocklist.File, s.cfg.Blocklist.Resolver, s.Block, s.logger)
		if err := bl.Start(); err != nil {
			return fmt.Errorf("watching blocklist file: %w", err)
		}
		defer bl.Stop()
	}

	s.setState(StateActive)
	s.logger.Info().
		Str("socket", s.cfg.Socket).
		Str("query_socket", s.cfg.QuerySocket).
		Int("blocked", s.set.Len()).
		Msg("firewall active")

	<-runCtx.Done()
	s.logger.Info().Msg("shutting down")
	return nil
}

// reseedFromStore replays persisted blocks so a restart does not forget
// operator-applied blocks. Entries go straight to the data plane; the
// audit record already exists.
func (s *Server) reseedFromStore() error {
	blocks, err := s.store.GetAllBlocks()
	if err != nil {
		return fmt.Errorf("loading persisted blocks: %w", err)
	}
	for _, b := range blocks {
		if err := s.insert(b.Addr); err != nil {
			return fmt.Errorf("reseeding %s: %w", b.Addr, err)
		}
	}
	if len(blocks) > 0 {
		s.logger.Info().Int("count", len(blocks)).Msg("reseeded block set from store")
	}
	return nil
}

// Block inserts addr into the data plane and the mirror, then records the
// audit entry. The kernel map is updated first so the packet path
// observes the insert no later than the inspection path does.
func (s *Server) Block(addr netip.Addr, reason, source string) error {
	if err := s.insert(addr); err != nil {
		return err
	}

	if err := s.store.SaveBlock(&store.Block{
		Addr:      addr.Unmap(),
		Reason:    reason,
		Source:    source,
		BlockedAt: time.Now(),
	}); err != nil {
		// The address is blocked either way; losing the audit record is
		// not worth failing the command over.
		s.logger.Warn().Err(err).Stringer("addr", addr).Msg("failed to persist block record")
	}
	return nil
}

func (s *Server) insert(addr netip.Addr) error {
	s.mu.RLock()
	flt := s.flt
	s.mu.RUnlock()

	if flt == nil {
		return fmt.Errorf("filter is not attached")
	}
	if err := flt.Insert(addr); err != nil {
		return err
	}
	return s.set.Insert(addr)
}

// Status is the read-only view served to the inspection tool.
type Status struct {
	State          State     `json:"state"`
	Device         string    `json:"device"`
	InstanceID     string    `json:"instance_id"`
	Hostname       string    `json:"hostname"`
	Version        string    `json:"version"`
	StartedAt      time.Time `json:"started_at"`
	BlockedCount   int       `json:"blocked_count"`
	PacketsPassed  uint64    `json:"packets_passed"`
	PacketsDropped uint64    `json:"packets_dropped"`
	ControlSocket  string    `json:"control_socket"`
	QuerySocket    string    `json:"query_socket"`
}

func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:         s.state,
		Device:        s.cfg.Device,
		InstanceID:    s.instanceID,
		Hostname:      s.hostname,
		Version:       s.version,
		StartedAt:     s.startedAt,
		BlockedCount:  s.set.Len(),
		ControlSocket: s.cfg.Socket,
		QuerySocket:   s.cfg.QuerySocket,
	}

	if s.flt != nil {
		if stats, err := s.flt.Stats(); err == nil {
			st.PacketsPassed = stats.Passed
			st.PacketsDropped = stats.Dropped
		}
	}
	return st
}

// BlockedEntry joins the mirror, the drop counters, and the audit trail
// for one blocked address.
type BlockedEntry struct {
	Addr      string    `json:"addr"`
	Drops     uint64    `json:"drops"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	BlockedAt time.Time `json:"blocked_at,omitempty"`
}

func (s *Server) Blocked() ([]BlockedEntry, error) {
	s.mu.RLock()
	flt := s.flt
	s.mu.RUnlock()

	var drops map[netip.Addr]uint64
	if flt != nil {
		var err error
		if drops, err = flt.DropCounts(); err != nil {
			return nil, err
		}
	}

	addrs := s.set.Addrs()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	entries := make([]BlockedEntry, 0, len(addrs))
	for _, addr := range addrs {
		entry := BlockedEntry{
			Addr:  addr.String(),
			Drops: drops[addr],
		}
		if b, err := s.store.GetBlock(addr); err == nil && b != nil {
			entry.Reason = b.Reason
			entry.Source = b.Source
			entry.BlockedAt = b.BlockedAt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// IsBlocked answers the single-address inspection query.
func (s *Server) IsBlocked(addr netip.Addr) (BlockedEntry, bool, error) {
	if !s.set.Contains(addr) {
		return BlockedEntry{Addr: addr.Unmap().String()}, false, nil
	}

	entry := BlockedEntry{Addr: addr.Unmap().String()}

	s.mu.RLock()
	flt := s.flt
	s.mu.RUnlock()
	if flt != nil {
		drops, err := flt.DropCounts()
		if err != nil {
			return entry, true, err
		}
		entry.Drops = drops[addr.Unmap()]
	}

	if b, err := s.store.GetBlock(addr.Unmap()); err == nil && b != nil {
		entry.Reason = b.Reason
		entry.Source = b.Source
		entry.BlockedAt = b.BlockedAt
	}
	return entry, true, nil
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug().Str("state", string(state)).Msg("lifecycle transition")
}
