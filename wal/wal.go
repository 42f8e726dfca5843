// Package wal implements an on-disk write-ahead log that the Consumer
// Loop spills a sealed Batch to when the circuit breaker has been open
// past the loop's patience, and a Replayer that drains it back through
// the Writer once the breaker closes. This is not part of spec.md's
// core loop; it supplements §4.7's shutdown drain with an answer for a
// breaker stuck open indefinitely, grounded on the teacher's WAL and
// health monitor.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"candlestream/candle"
)

// Record is a single batch's worth of candles as persisted to disk.
type Record struct {
	Candles       []candle.Candle `json:"candles"`
	CoveredOffset map[int32]int64 `json:"covered_offset"`
	SealedAt      time.Time       `json:"sealed_at"`
}

// WAL is a JSON-lines append-only file, fsync'd per write for
// durability, mirroring the teacher's db/wal.go.
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open creates or opens the WAL file at path, creating its directory if
// necessary.
func Open(path string) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	return &WAL{path: path, file: f}, nil
}

// Spill appends a Batch to the WAL as one JSON line.
func (w *WAL) Spill(batch candle.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := Record{Candles: batch.Candles, CoveredOffset: batch.CoveredOffset, SealedAt: batch.SealedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return w.file.Sync()
}

// ReadAll reads every record currently in the WAL.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read file: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip a corrupt line rather than abandon the rest
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// Clear truncates the WAL, called after every record has been
// successfully replayed.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before truncate: %w", err)
	}
	if err := os.Truncate(w.path, 0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after truncate: %w", err)
	}
	w.file = f
	return nil
}

// Count returns the number of records currently in the WAL.
func (w *WAL) Count() (int, error) {
	records, err := w.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Size returns the WAL file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
