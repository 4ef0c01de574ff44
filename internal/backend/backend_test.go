package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func envelope(id string, content []byte, created time.Time) model.Envelope {
	return model.Envelope{
		RecordID:        id,
		EntityType:      "daily_summary",
		CreatedAt:       created,
		SizeBytes:       int64(len(content)),
		CurrentTierID:   "core",
		ContentChecksum: model.Checksum(content),
		Version:         1,
	}
}

type closer interface{ Close() error }

func stores(t *testing.T) map[string]tier.Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := OpenSQLite(filepath.Join(dir, "core.db"), 0)
	require.NoError(t, err)
	fs, err := OpenFS(filepath.Join(dir, "main"), 0)
	require.NoError(t, err)
	bg, err := OpenBadger("", true)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rd, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)

	all := map[string]tier.Store{
		"memory": NewMemStore(0),
		"sqlite": sq,
		"fs":     fs,
		"badger": bg,
		"redis":  rd,
	}
	t.Cleanup(func() {
		for _, s := range all {
			if c, ok := s.(closer); ok {
				c.Close()
			}
		}
	})
	return all
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := []byte("the quick brown fox")
			env := envelope("rec/1", content, t0)

			_, _, err := s.Get(ctx, "rec/1")
			assert.ErrorIs(t, err, tier.ErrNotFound)

			require.NoError(t, s.Put(ctx, env, content))
			gotEnv, gotContent, err := s.Get(ctx, "rec/1")
			require.NoError(t, err)
			assert.Equal(t, content, gotContent)
			if diff := cmp.Diff(env, gotEnv); diff != "" {
				t.Errorf("envelope mismatch (-want +got):\n%s", diff)
			}

			// Overwrite is allowed and replaces both parts.
			updated := []byte("a different body")
			env2 := envelope("rec/1", updated, t0)
			require.NoError(t, s.Put(ctx, env2, updated))
			_, gotContent, err = s.Get(ctx, "rec/1")
			require.NoError(t, err)
			assert.Equal(t, updated, gotContent)

			require.NoError(t, s.Delete(ctx, "rec/1"))
			_, _, err = s.Get(ctx, "rec/1")
			assert.ErrorIs(t, err, tier.ErrNotFound)

			// Deleting again is a no-op.
			assert.NoError(t, s.Delete(ctx, "rec/1"))
		})
	}
}

func TestStoreListSince(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				c := []byte(fmt.Sprintf("body-%d", i))
				require.NoError(t, s.Put(ctx, envelope(fmt.Sprintf("rec-%d", i), c, t0.Add(time.Duration(i)*time.Hour)), c))
			}

			var ids []string
			for env, err := range s.ListSince(ctx, t0.Add(2*time.Hour)) {
				require.NoError(t, err)
				ids = append(ids, env.RecordID)
			}
			assert.Equal(t, []string{"rec-2", "rec-3", "rec-4"}, ids)

			var all int
			for _, err := range s.ListSince(ctx, time.Time{}) {
				require.NoError(t, err)
				all++
			}
			assert.Equal(t, 5, all)

			// Stopping early is honoured.
			n := 0
			for range s.ListSince(ctx, time.Time{}) {
				n++
				break
			}
			assert.Equal(t, 1, n)
		})
	}
}

func TestQuotaCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sq, err := OpenSQLite(filepath.Join(dir, "q.db"), 10)
	require.NoError(t, err)
	defer sq.Close()
	fs, err := OpenFS(filepath.Join(dir, "fsq"), 10)
	require.NoError(t, err)

	for name, s := range map[string]tier.Store{"memory": NewMemStore(10), "sqlite": sq, "fs": fs} {
		t.Run(name, func(t *testing.T) {
			small := []byte("12345678")
			require.NoError(t, s.Put(ctx, envelope("a", small, t0), small))

			err := s.Put(ctx, envelope("b", small, t0), small)
			assert.ErrorIs(t, err, tier.ErrCapacityExceeded)

			// Replacing a record only counts the difference.
			bigger := []byte("1234567890")
			assert.NoError(t, s.Put(ctx, envelope("a", bigger, t0), bigger))

			require.NoError(t, s.Delete(ctx, "a"))
			assert.NoError(t, s.Put(ctx, envelope("b", small, t0), small))
		})
	}
}

func TestFSStoreRecoversUsageOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "main")
	s, err := OpenFS(dir, 0)
	require.NoError(t, err)
	body := []byte("persisted")
	require.NoError(t, s.Put(ctx, envelope("a", body, t0), body))

	reopened, err := OpenFS(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), reopened.Used())
	_, got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRedisOOMIsCapacityExceeded(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	mr.SetError("OOM command not allowed when used memory > 'maxmemory'")
	body := []byte("x")
	err = s.Put(context.Background(), envelope("a", body, t0), body)
	assert.ErrorIs(t, err, tier.ErrCapacityExceeded)
	mr.SetError("")
}

func TestRedisConnectionLossIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	mr.Close()
	_, _, err = s.Get(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, tier.IsTransient(err), "err = %v", err)
}

func TestFaultyInjectsInOrder(t *testing.T) {
	ctx := context.Background()
	f := NewFaulty(NewMemStore(0))
	body := []byte("payload")

	f.FailPuts(TransientFault("put"), tier.ErrCapacityExceeded)
	err := f.Put(ctx, envelope("a", body, t0), body)
	assert.True(t, tier.IsTransient(err))
	assert.True(t, errors.Is(err, ErrInjected))
	assert.ErrorIs(t, f.Put(ctx, envelope("a", body, t0), body), tier.ErrCapacityExceeded)
	require.NoError(t, f.Put(ctx, envelope("a", body, t0), body))

	f.CorruptGets(1)
	_, got, err := f.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotEqual(t, model.Checksum(body), model.Checksum(got))
	_, got, err = f.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, body, got)

	puts, gets, _ := f.Calls()
	assert.Equal(t, 3, puts)
	assert.Equal(t, 2, gets)
}

func TestOpenResolvesRelativePaths(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, config.BackendConfig{Kind: "fs", Path: "main"}, dir)
	require.NoError(t, err)
	fs, ok := s.(*FSStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "main"), fs.dir)

	mem, err := Open(ctx, config.BackendConfig{Kind: "memory", Quota: "1KB"}, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), mem.(*MemStore).quota)

	_, err = Open(ctx, config.BackendConfig{Kind: "tape"}, dir)
	assert.Error(t, err)
}
