package lineage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the backing persistence for a chain. Implementations only
// append and read; ordering and hashing are the Chain's responsibility.
type Store interface {
	// Append persists a sealed block.
	Append(b Block) error

	// Latest returns the highest-index block, or ok=false if empty.
	Latest() (b Block, ok bool, err error)

	// All returns every block in index order.
	All() ([]Block, error)

	// ByAgent returns every block tagged with the given agent id, in order.
	ByAgent(agentID string) ([]Block, error)

	// Count returns the number of stored blocks.
	Count() (int64, error)

	// Close releases the store.
	Close() error
}

// SQLiteStore persists blocks in a SQLite database using
// modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite-backed block store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		idx       INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		agent_id  TEXT NOT NULL DEFAULT '',
		data      TEXT NOT NULL DEFAULT '{}',
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_agent ON blocks(agent_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Append persists a sealed block.
func (s *SQLiteStore) Append(b Block) error {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("lineage: marshal block data: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO blocks (idx, timestamp, event_type, agent_id, data, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Index, b.Timestamp, b.EventType, b.AgentID, string(data), b.PrevHash, b.Hash,
	)
	return err
}

// Latest returns the highest-index block.
func (s *SQLiteStore) Latest() (Block, bool, error) {
	row := s.db.QueryRow(
		`SELECT idx, timestamp, event_type, agent_id, data, prev_hash, hash
		 FROM blocks ORDER BY idx DESC LIMIT 1`)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	return b, true, nil
}

// All returns every block in index order.
func (s *SQLiteStore) All() ([]Block, error) {
	return s.query(
		`SELECT idx, timestamp, event_type, agent_id, data, prev_hash, hash
		 FROM blocks ORDER BY idx`)
}

// ByAgent returns every block for the given agent id in index order.
func (s *SQLiteStore) ByAgent(agentID string) ([]Block, error) {
	return s.query(
		`SELECT idx, timestamp, event_type, agent_id, data, prev_hash, hash
		 FROM blocks WHERE agent_id = ? ORDER BY idx`, agentID)
}

// Count returns the number of stored blocks.
func (s *SQLiteStore) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(q string, args ...any) ([]Block, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (Block, error) {
	var b Block
	var data string
	if err := row.Scan(&b.Index, &b.Timestamp, &b.EventType, &b.AgentID, &data, &b.PrevHash, &b.Hash); err != nil {
		return Block{}, err
	}
	if err := json.Unmarshal([]byte(data), &b.Data); err != nil {
		return Block{}, fmt.Errorf("lineage: unmarshal block %d data: %w", b.Index, err)
	}
	return b, nil
}

// MemoryStore keeps blocks in memory. Intended for tests and ephemeral
// kernels; it satisfies Store but offers no durability.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []Block
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *MemoryStore) Latest() (Block, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.blocks) == 0 {
		return Block{}, false, nil
	}
	return m.blocks[len(m.blocks)-1], true, nil
}

func (m *MemoryStore) All() ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out, nil
}

func (m *MemoryStore) ByAgent(agentID string) ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Block
	for _, b := range m.blocks {
		if b.AgentID == agentID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) Count() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.blocks)), nil
}

func (m *MemoryStore) Close() error { return nil }

// Tamper replaces the block at index i. It exists so tests can corrupt a
// chain and assert that verification catches it.
func (m *MemoryStore) Tamper(i int, b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[i] = b
}
