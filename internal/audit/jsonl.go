package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLLedger appends records to a newline-delimited JSON file and fsyncs
// every write. Simple, inspectable, and append-only by construction.
type JSONLLedger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewJSONLLedger(path string) (*JSONLLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	return &JSONLLedger{path: path, file: f}, nil
}

func (l *JSONLLedger) Record(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	// Durability is the point of this ledger.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit ledger: %w", err)
	}
	return nil
}

func (l *JSONLLedger) Find(ctx context.Context, q Query) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // a torn trailing line must not poison queries
		}
		if q.Date != "" && rec.Timestamp.UTC().Format("2006-01-02") != q.Date {
			continue
		}
		if q.Instrument != "" && rec.Instrument != q.Instrument {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit ledger: %w", err)
	}
	return out, nil
}

func (l *JSONLLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
