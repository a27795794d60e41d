package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cronwheel/pkg/logx"
)

// fileStore appends runs to <prefix>.runs.jsonl and keeps the retained tail in
// memory. Once the file holds twice the retained count it is rewritten with the
// tail only.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu     sync.Mutex
	f      *os.File
	tail   []RunRecord // oldest first, at most keep
	onDisk int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: filepath.Join(dir, base) + ".runs.jsonl", keep: cfg.keep()}
	skipped, err := s.load()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	if skipped > 0 {
		s.log.Warn("skipped corrupt run records", logx.String("path", s.path), logx.Int("skipped", skipped))
		// Rewrite so the next append does not land on a torn line.
		if err := s.compactLocked(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// load replays the journal. A torn final line from a crash is skipped.
func (s *fileStore) load() (int, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.onDisk++
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		s.push(r)
	}
	return skipped, sc.Err()
}

func (s *fileStore) push(r RunRecord) {
	s.tail = append(s.tail, r)
	if over := len(s.tail) - s.keep; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.onDisk++
	s.push(r)
	if s.onDisk >= 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the journal with the retained tail via a temp file.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	s.onDisk = len(s.tail)
	s.log.Debug("run journal compacted", logx.Int("kept", len(s.tail)))
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, name string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = len(s.tail)
	}
	out := make([]RunRecord, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if name == "" || s.tail[i].Name == name {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
