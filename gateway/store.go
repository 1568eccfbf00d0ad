package gateway

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists request log entries in a SQLite database using
// modernc.org/sqlite (pure Go). It satisfies Recorder.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLiteLog opens or creates a request log database at path.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id  TEXT NOT NULL,
		method    TEXT NOT NULL,
		url       TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db}, nil
}

// Record appends an entry.
func (s *SQLiteLog) Record(e RequestEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO requests (agent_id, method, url, timestamp) VALUES (?, ?, ?, ?)`,
		e.AgentID, e.Method, e.URL, e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Entries returns persisted entries, filtered by agent id when non-empty.
func (s *SQLiteLog) Entries(agentID string) ([]RequestEntry, error) {
	q := `SELECT agent_id, method, url, timestamp FROM requests`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestEntry
	for rows.Next() {
		var e RequestEntry
		var ts string
		if err := rows.Scan(&e.AgentID, &e.Method, &e.URL, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
