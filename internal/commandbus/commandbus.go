// Package commandbus is the daemon's internal control plane for operator
// intervention (spec §4.12 expansion): pause/stop/re-queue signals delivered
// over a per-task channel the daemon selects on, with a durable sqlite
// history the daemon can recover from after a crash. Channel shape grounded
// on internal/budget/waiter.go's wait/cancel abstraction; the sqlite
// open-and-init idiom is grounded on internal/learning/store.go.
package commandbus

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind enumerates the accepted operator commands.
type Kind string

const (
	CommandPause   Kind = "pause"
	CommandStop    Kind = "stop"
	CommandRequeue Kind = "requeue"
)

// Command is one accepted operator intervention.
type Command struct {
	SpecID string
	Kind   Kind
	Actor  string
	At     time.Time
}

// schemaSQL creates the durable history table on first open; the version
// row lets a future migration detect and upgrade an older schema, the same
// pattern internal/learning/migration.go uses for its own table.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spec_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	at TEXT NOT NULL
);
`

const schemaVersion = 1

// Bus delivers operator commands to per-task subscriber channels and
// persists every accepted command for crash recovery.
type Bus struct {
	db *sql.DB

	mu          chan struct{} // binary semaphore guarding subscribers
	subscribers map[string]chan Command
}

// Open opens (creating if absent) the command history database at dbPath
// and returns a ready Bus.
func Open(dbPath string) (*Bus, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("commandbus: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("commandbus: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("commandbus: init schema: %w", err)
	}
	if err := ensureVersionRow(db); err != nil {
		db.Close()
		return nil, err
	}

	mu := make(chan struct{}, 1)
	mu <- struct{}{}

	return &Bus{db: db, mu: mu, subscribers: make(map[string]chan Command)}, nil
}

func ensureVersionRow(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("commandbus: query schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("commandbus: seed schema_version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Subscribe returns the channel a task's supervisor loop selects on
// alongside its ticker and file-watch channel, per §4.12.
func (b *Bus) Subscribe(specID string) <-chan Command {
	<-b.mu
	defer func() { b.mu <- struct{}{} }()

	ch, ok := b.subscribers[specID]
	if !ok {
		ch = make(chan Command, 1)
		b.subscribers[specID] = ch
	}
	return ch
}

// Unsubscribe removes and closes a task's command channel, called once the
// task reaches a terminal state.
func (b *Bus) Unsubscribe(specID string) {
	<-b.mu
	defer func() { b.mu <- struct{}{} }()

	if ch, ok := b.subscribers[specID]; ok {
		close(ch)
		delete(b.subscribers, specID)
	}
}

// Submit persists a command then delivers it to the task's subscriber, if
// any is currently listening. Persistence happens before delivery so a
// crash between the two still leaves an audit trail the daemon can replay.
func (b *Bus) Submit(ctx context.Context, cmd Command) error {
	if cmd.At.IsZero() {
		cmd.At = time.Now().UTC()
	}

	if _, err := b.db.ExecContext(ctx,
		"INSERT INTO commands (spec_id, kind, actor, at) VALUES (?, ?, ?, ?)",
		cmd.SpecID, string(cmd.Kind), cmd.Actor, cmd.At.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("commandbus: persist command: %w", err)
	}

	<-b.mu
	ch, ok := b.subscribers[cmd.SpecID]
	b.mu <- struct{}{}
	if ok {
		select {
		case ch <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// History returns every persisted command for specID in submission order,
// used by the daemon to recover operator intent after a crash.
func (b *Bus) History(ctx context.Context, specID string) ([]Command, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT spec_id, kind, actor, at FROM commands WHERE spec_id = ? ORDER BY id ASC", specID)
	if err != nil {
		return nil, fmt.Errorf("commandbus: query history: %w", err)
	}
	defer rows.Close()

	var history []Command
	for rows.Next() {
		var c Command
		var kind, at string
		if err := rows.Scan(&c.SpecID, &kind, &c.Actor, &at); err != nil {
			return nil, fmt.Errorf("commandbus: scan row: %w", err)
		}
		c.Kind = Kind(kind)
		c.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("commandbus: parse timestamp: %w", err)
		}
		history = append(history, c)
	}
	return history, rows.Err()
}
