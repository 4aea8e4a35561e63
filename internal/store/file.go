package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "farmd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.pool.json (endpoint health snapshot)
//   - <prefix>.jobs.json (job schedule snapshot)
//
// Writes go through a temp file and rename, so a crash mid-save leaves the
// previous snapshot intact. Snapshots are indented for operator inspection.
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	poolPath string
	jobsPath string
	closed   bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:      log,
		poolPath: prefix + ".pool.json",
		jobsPath: prefix + ".jobs.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) SavePool(ctx context.Context, st PoolState) error {
	_ = ctx
	return s.write(s.poolPath, st)
}

func (s *fileStore) LoadPool(ctx context.Context) (PoolState, error) {
	_ = ctx
	var st PoolState
	err := s.read(s.poolPath, &st)
	return st, err
}

func (s *fileStore) SaveJobs(ctx context.Context, st JobState) error {
	_ = ctx
	return s.write(s.jobsPath, st)
}

func (s *fileStore) LoadJobs(ctx context.Context) (JobState, error) {
	_ = ctx
	var st JobState
	err := s.read(s.jobsPath, &st)
	return st, err
}

func (s *fileStore) write(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) read(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
