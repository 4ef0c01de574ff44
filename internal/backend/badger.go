package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

var (
	envPrefix  = []byte("env/")
	dataPrefix = []byte("data/")
)

// BadgerStore keeps records in a Badger key-value store. Envelope and
// content live under separate keys written in one transaction so listing
// never reads content.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a Badger store at dir, or an in-memory one when
// inMemory is set.
func OpenBadger(dir string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func key(prefix []byte, recordID string) []byte {
	return append(append([]byte(nil), prefix...), recordID...)
}

func (s *BadgerStore) Put(ctx context.Context, env model.Envelope, content []byte) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(dataPrefix, env.RecordID), content); err != nil {
			return err
		}
		return txn.Set(key(envPrefix, env.RecordID), raw)
	})
	if err != nil {
		return classifyBadger("put", err)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	var (
		raw     []byte
		content []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(envPrefix, recordID))
		if err != nil {
			return err
		}
		if raw, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(key(dataPrefix, recordID))
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Envelope{}, nil, tier.ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, nil, classifyBadger("get", err)
	}

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Envelope{}, nil, fmt.Errorf("decode envelope %s: %w", recordID, err)
	}
	return env, content, nil
}

func (s *BadgerStore) Delete(ctx context.Context, recordID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(key(envPrefix, recordID)); err != nil {
			return err
		}
		return txn.Delete(key(dataPrefix, recordID))
	})
	if err != nil {
		return classifyBadger("delete", err)
	}
	return nil
}

func (s *BadgerStore) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	var envs []model.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: envPrefix})
		defer it.Close()
		for it.Seek(envPrefix); it.ValidForPrefix(envPrefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var env model.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode envelope %s: %w", it.Item().Key(), err)
			}
			if !env.CreatedAt.Before(since) {
				envs = append(envs, env)
			}
		}
		return nil
	})
	if err != nil {
		return yieldErr(classifyBadger("list", err))
	}
	return yieldAll(ctx, envs)
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func classifyBadger(op string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return tier.ErrCapacityExceeded
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrBlockedWrites):
		return tier.Transient(op, err)
	}
	return fmt.Errorf("badger tier %s: %w", op, err)
}
