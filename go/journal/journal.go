// Package journal keeps an audit trail of a handoff in SQLite. The
// producer and consumer processes each open the same journal file and
// record the items they place and consume; Verify then checks the trail
// for FIFO order, lost items and duplicates.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	shm "github.com/xll-gen/handoff/go"
)

// Event kinds stored in the journal.
const (
	KindPlaced   = "placed"
	KindConsumed = "consumed"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT    NOT NULL,
	kind    TEXT    NOT NULL,
	item    INTEGER NOT NULL,
	slot    INTEGER NOT NULL,
	pid     INTEGER NOT NULL,
	at_ns   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_channel_kind ON events (channel, kind, seq);
`

// Journal is an open journal database.
type Journal struct {
	db     *sql.DB
	insert *sql.Stmt
	pid    int
}

// Open opens or creates the journal at path. Two processes may hold the
// same journal open; writes are serialized by SQLite.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO events (channel, kind, item, slot, pid, at_ns) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &Journal{db: db, insert: insert, pid: os.Getpid()}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Record stores a placed or consumed event. Other event kinds are ignored.
func (j *Journal) Record(channel string, ev shm.Event) error {
	var kind string
	switch ev.Kind {
	case shm.EventPlaced:
		kind = KindPlaced
	case shm.EventConsumed:
		kind = KindConsumed
	default:
		return nil
	}
	if _, err := j.insert.Exec(channel, kind, ev.Item, ev.Index, j.pid, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("record %s %d: %w", kind, ev.Item, err)
	}
	return nil
}

// Reset deletes every event of channel.
func (j *Journal) Reset(channel string) error {
	_, err := j.db.Exec(`DELETE FROM events WHERE channel = ?`, channel)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	j.insert.Close()
	return j.db.Close()
}

// Report is the result of Verify.
type Report struct {
	Channel  string `json:"channel"`
	Placed   int    `json:"placed"`
	Consumed int    `json:"consumed"`
	// Pending items were placed and not yet consumed.
	Pending int `json:"pending"`
	// Lost items were placed but skipped: a later item was consumed first
	// and they were never consumed.
	Lost []int32 `json:"lost,omitempty"`
	// Duplicates were consumed more than once.
	Duplicates []int32 `json:"duplicates,omitempty"`
	// Phantoms were consumed but never placed.
	Phantoms []int32 `json:"phantoms,omitempty"`
	// OutOfOrder counts consumed positions that do not match the placed
	// order.
	OutOfOrder int  `json:"out_of_order"`
	OK         bool `json:"ok"`
}

// Verify checks the journal of channel: the consumed sequence must be a
// prefix of the placed sequence.
func (j *Journal) Verify(channel string) (Report, error) {
	placed, err := j.items(channel, KindPlaced)
	if err != nil {
		return Report{}, err
	}
	consumed, err := j.items(channel, KindConsumed)
	if err != nil {
		return Report{}, err
	}
	return check(channel, placed, consumed), nil
}

func (j *Journal) items(channel, kind string) ([]int32, error) {
	rows, err := j.db.Query(`SELECT item FROM events WHERE channel = ? AND kind = ? ORDER BY seq`, channel, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []int32
	for rows.Next() {
		var item int32
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func check(channel string, placed, consumed []int32) Report {
	r := Report{Channel: channel, Placed: len(placed), Consumed: len(consumed)}

	wasPlaced := make(map[int32]bool, len(placed))
	for _, item := range placed {
		wasPlaced[item] = true
	}
	seen := make(map[int32]int, len(consumed))
	for i, item := range consumed {
		seen[item]++
		switch {
		case seen[item] == 2:
			r.Duplicates = append(r.Duplicates, item)
		case !wasPlaced[item] && seen[item] == 1:
			r.Phantoms = append(r.Phantoms, item)
		}
		if i >= len(placed) || placed[i] != item {
			r.OutOfOrder++
		}
	}

	// Anything placed before the last consumed position must have been
	// consumed.
	horizon := min(len(consumed), len(placed))
	for _, item := range placed[:horizon] {
		if seen[item] == 0 {
			r.Lost = append(r.Lost, item)
		}
	}

	r.Pending = max(len(placed)-len(consumed), 0)
	r.OK = len(r.Lost) == 0 && len(r.Duplicates) == 0 && len(r.Phantoms) == 0 && r.OutOfOrder == 0
	return r
}
