package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
)

// JSONLStore stores logs in a JSONL file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	return &JSONLStore{path: path}, nil
}

func (s *JSONLStore) Append(_ context.Context, rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return json.NewEncoder(f).Encode(rec)
}

func (s *JSONLStore) Query(_ context.Context, q LogQuery) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scanFile(s.path, q, nil)
}

func (s *JSONLStore) Close() error { return nil }

// scanFile appends the matching records of one JSONL file to res. Lines
// that do not decode are skipped.
func scanFile(path string, q LogQuery, res []LogRecord) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if q.Match(r) {
			res = append(res, r)
		}
	}
	return res, scanner.Err()
}
