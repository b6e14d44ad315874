// Package store persists the block audit trail: every address the
// firewall has been told to block, with the reason and where the command
// came from. With a data dir configured the daemon re-seeds the block set
// from here on restart.
package store

import (
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

type Block struct {
	Addr      netip.Addr `json:"addr"`
	Reason    string     `json:"reason"`
	Source    string     `json:"source"`
	BlockedAt time.Time  `json:"blocked_at"`
}

// Sources of block commands.
const (
	SourceSeed      = "seed"
	SourceControl   = "control"
	SourceBlocklist = "blocklist"
	SourceStore     = "store"
)

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			addr TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			source TEXT NOT NULL,
			blocked_at TEXT NOT NULL
		) STRICT, WITHOUT ROWID
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBlock records a blocked address. Re-blocking an address keeps the
// original record, matching the idempotence of the block set itself.
func (s *Store) SaveBlock(b *Block) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO blocks (addr, reason, source, blocked_at)
		VALUES (?, ?, ?, ?)
	`, b.Addr.String(), b.Reason, b.Source, b.BlockedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetBlock(addr netip.Addr) (*Block, error) {
	row := s.db.QueryRow(`
		SELECT addr, reason, source, blocked_at FROM blocks WHERE addr = ?
	`, addr.String())

	b, err := scanBlock(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListBlocks pages through the audit trail ordered by (blocked_at, addr).
func (s *Store) ListBlocks(pageSize int, pageToken string) ([]Block, string, int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if pageSize > 1000 {
		pageSize = 1000
	}

	var totalCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM blocks").Scan(&totalCount); err != nil {
		return nil, "", 0, fmt.Errorf("counting blocks: %w", err)
	}

	var afterTime, afterAddr string
	if pageToken != "" {
		parts := strings.SplitN(pageToken, "|", 2)
		if len(parts) == 2 {
			afterTime = parts[0]
			afterAddr = parts[1]
		}
	}
	if afterTime == "" {
		afterTime = "0001-01-01T00:00:00Z"
	}

	rows, err := s.db.Query(`
		SELECT addr, reason, source, blocked_at
		FROM blocks
		WHERE (blocked_at, addr) > (?, ?)
		ORDER BY blocked_at, addr
		LIMIT ?
	`, afterTime, afterAddr, pageSize+1)
	if err != nil {
		return nil, "", 0, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows.Scan)
		if err != nil {
			return nil, "", 0, err
		}
		blocks = append(blocks, *b)
	}

	var nextPageToken string
	if len(blocks) > pageSize {
		last := blocks[pageSize-1]
		nextPageToken = last.BlockedAt.Format(time.RFC3339Nano) + "|" + last.Addr.String()
		blocks = blocks[:pageSize]
	}

	return blocks, nextPageToken, totalCount, nil
}

// GetAllBlocks returns the full audit trail for startup re-seeding.
func (s *Store) GetAllBlocks() ([]Block, error) {
	rows, err := s.db.Query(`
		SELECT addr, reason, source, blocked_at FROM blocks ORDER BY blocked_at, addr
	`)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows.Scan)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}
	return blocks, nil
}

func scanBlock(scan func(dest ...any) error) (*Block, error) {
	var b Block
	var addr, blockedAt string
	if err := scan(&addr, &b.Reason, &b.Source, &blockedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning block: %w", err)
	}

	var err error
	if b.Addr, err = netip.ParseAddr(addr); err != nil {
		return nil, fmt.Errorf("parsing addr: %w", err)
	}
	if b.BlockedAt, err = time.Parse(time.RFC3339Nano, blockedAt); err != nil {
		return nil, fmt.Errorf("parsing blocked_at: %w", err)
	}
	return &b, nil
}
