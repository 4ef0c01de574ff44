package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

const (
	envSuffix  = ".env.json"
	dataSuffix = ".data"
)

// FSStore keeps each record as a content file plus an envelope file in one
// directory. Writes go to a temp file and are renamed into place so a
// crash never leaves a torn file.
type FSStore struct {
	dir   string
	quota int64

	mu   sync.Mutex
	used int64
}

// OpenFS opens a directory-backed store, creating dir if needed.
func OpenFS(dir string, quota int64) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create fs tier dir: %w", err)
	}
	s := &FSStore{dir: dir, quota: quota}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan fs tier: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), dataSuffix) {
			continue
		}
		if info, err := e.Info(); err == nil {
			s.used += info.Size()
		}
	}
	return s, nil
}

func (s *FSStore) paths(recordID string) (envPath, dataPath string) {
	base := filepath.Join(s.dir, url.PathEscape(recordID))
	return base + envSuffix, base + dataSuffix
}

func (s *FSStore) Put(ctx context.Context, env model.Envelope, content []byte) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	envPath, dataPath := s.paths(env.RecordID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var old int64
	if info, err := os.Stat(dataPath); err == nil {
		old = info.Size()
	}
	next := s.used - old + int64(len(content))
	if s.quota > 0 && next > s.quota {
		return tier.ErrCapacityExceeded
	}

	// Content first: an envelope file only ever points at complete content.
	if err := writeAtomic(dataPath, content); err != nil {
		return classifyFS("put", err)
	}
	if err := writeAtomic(envPath, raw); err != nil {
		return classifyFS("put", err)
	}
	s.used = next
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	envPath, dataPath := s.paths(recordID)
	raw, err := os.ReadFile(envPath)
	if errors.Is(err, os.ErrNotExist) {
		return model.Envelope{}, nil, tier.ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, nil, classifyFS("get", err)
	}
	content, err := os.ReadFile(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return model.Envelope{}, nil, tier.ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, nil, classifyFS("get", err)
	}

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Envelope{}, nil, fmt.Errorf("decode envelope %s: %w", recordID, err)
	}
	return env, content, nil
}

func (s *FSStore) Delete(ctx context.Context, recordID string) error {
	envPath, dataPath := s.paths(recordID)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Envelope first so a half-finished delete reads as absent.
	if err := os.Remove(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyFS("delete", err)
	}
	info, statErr := os.Stat(dataPath)
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyFS("delete", err)
	}
	if statErr == nil {
		s.used -= info.Size()
	}
	return nil
}

func (s *FSStore) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return yieldErr(classifyFS("list", err))
	}

	var envs []model.Envelope
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), envSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue // deleted while listing
		}
		if err != nil {
			return yieldErr(classifyFS("list", err))
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return yieldErr(fmt.Errorf("decode %s: %w", e.Name(), err))
		}
		if !env.CreatedAt.Before(since) {
			envs = append(envs, env)
		}
	}
	sortEnvelopes(envs)
	return yieldAll(ctx, envs)
}

// Used returns the content bytes on disk as tracked by the store.
func (s *FSStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func classifyFS(op string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return tier.ErrCapacityExceeded
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EBUSY):
		return tier.Transient(op, err)
	}
	return fmt.Errorf("fs tier %s: %w", op, err)
}
