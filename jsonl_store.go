package meterproof

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"syscall"
)

// jsonlStore implements Store as an append-only log file with one canonical
// JSON record per line:
//
//	{"action":"a","cid":"sha256:…","kid":"k","quantity":1,"subject":"s","sur_sig":"…","tenant_id":"t","ts":"…"}\n
//
// The file is created on first append. A missing file reads as empty.
type jsonlStore struct {
	path   string
	file   *os.File
	logger *slog.Logger
	mu     sync.Mutex
}

// OpenJSONLStore returns a log-file store at path. The file itself is not
// touched until the first append.
func OpenJSONLStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("jsonl store: empty path")
	}
	return &jsonlStore{path: path, logger: slog.Default()}, nil
}

// Append writes r as a single line with one write call.
func (s *jsonlStore) Append(r SignedUsageRecord) error {
	line, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		s.file = f
	}

	if err := syscall.Flock(int(s.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock log file: %w", err)
	}
	defer syscall.Flock(int(s.file.Fd()), syscall.LOCK_UN)

	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(line))
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return nil
}

// Query scans the whole log. Lines that are not valid records are skipped.
func (s *jsonlStore) Query(tenantID string, rng Range) ([]SignedUsageRecord, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file for reading: %w", err)
	}
	defer file.Close()

	var out []SignedUsageRecord
	reader := bufio.NewReader(file)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read log file: %w", readErr)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			rec, err := DecodeRecord(line)
			switch {
			case err != nil:
				s.logger.Debug("skip malformed log line", "path", s.path, "line", lineNo, "error", err)
			case rec.TenantID == tenantID && rng.Contains(rec.TS):
				out = append(out, rec)
			}
		}
		if readErr != nil {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}

// Close closes the append handle if one is open.
func (s *jsonlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}
