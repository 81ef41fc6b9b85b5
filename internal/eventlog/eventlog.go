// Package eventlog implements the append-only per-task journal described in
// spec §3.1/§6.3: one JSON object per line, sequence numbers strictly
// increasing with no gaps, never rewritten, readers tolerant of a truncated
// trailing line.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/akfldk1028/taskdaemon/internal/models"
)

// Log appends events to one task's events.jsonl and assigns monotonically
// increasing sequence numbers. Safe for concurrent use by multiple goroutines
// within one process; cross-process safety is the caller's responsibility
// (the daemon is the only writer per task, per §5 shared-resource policy).
type Log struct {
	path string

	mu       sync.Mutex
	nextSeq  int64
	file     *os.File
	writer   *bufio.Writer
}

// Open opens (creating if absent) the event log at path, scanning any
// existing content to resume the sequence counter where it left off.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory: %w", err)
	}

	lastSeq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	return &Log{
		path:    path,
		nextSeq: lastSeq + 1,
		file:    f,
		writer:  bufio.NewWriter(f),
	}, nil
}

// lastSequence scans an existing log and returns the highest valid sequence
// number found, tolerating and dropping an unparseable trailing line (a
// writer crashed mid-append).
func lastSequence(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: open %s for scan: %w", path, err)
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Tolerate a truncated trailing line; anything earlier that
			// fails to parse is a corrupt log and is reported.
			continue
		}
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	return last, nil
}

// Append writes one event, assigning it the next sequence number. The kind
// and payload are the caller's; TS is stamped if the zero value is passed.
func (l *Log) Append(kind models.EventKind, payload map[string]interface{}) (models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := models.Event{
		Sequence: l.nextSeq,
		Kind:     kind,
		Payload:  payload,
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("eventlog: marshal event: %w", err)
	}

	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return models.Event{}, fmt.Errorf("eventlog: write event: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return models.Event{}, fmt.Errorf("eventlog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return models.Event{}, fmt.Errorf("eventlog: sync: %w", err)
	}

	l.nextSeq++
	return ev, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Read reads every well-formed event in the log from the beginning,
// dropping a truncated trailing line. Readers that need to resume from a
// checkpoint should filter by Sequence > checkpoint themselves.
func Read(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []models.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
