// Package wal journals ingest batches before they reach storage, so record
// submissions accepted over HTTP survive a crash between accept and insert.
// Records are write-once and inserts are idempotent, so replaying a journal
// into the store is always safe.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record kinds.
const (
	KindPrediction  = "prediction"
	KindObservation = "observation"
)

// Entry is one journaled ingest batch. Body holds the raw request payload.
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body"`
}

// IngestJournal appends ingest batches to a daily file with fsync.
type IngestJournal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens the journal file for today under dir.
func Open(dir string) (*IngestJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("ingest-%s.wal", time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &IngestJournal{file: file, path: path}, nil
}

// Append journals one batch and fsyncs before returning. The caller must not
// acknowledge the ingest until Append succeeds.
func (j *IngestJournal) Append(kind string, body []byte) error {
	if kind != KindPrediction && kind != KindObservation {
		return fmt.Errorf("unknown journal kind %q", kind)
	}

	line, err := json.Marshal(Entry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Body:      json.RawMessage(body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Path returns the current journal file path.
func (j *IngestJournal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Close flushes and closes the journal.
func (j *IngestJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads every entry from a journal file. Malformed lines are skipped,
// a partial tail line from a crash mid-write must not poison the rest.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// Rotate closes the current journal and opens a fresh daily file, returning
// the new journal and the closed file's path.
func Rotate(dir string, current *IngestJournal) (*IngestJournal, string, error) {
	oldPath := current.Path()
	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current journal: %w", err)
	}

	next, err := Open(dir)
	if err != nil {
		return nil, "", err
	}
	return next, oldPath, nil
}
