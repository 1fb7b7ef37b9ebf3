package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-im-client/internal/infra"
)

// exerciseStore 对任意实现跑同一组语义检查。
func exerciseStore(t *testing.T, s SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	blob, err := s.Load(ctx, "missing-key")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.Save(ctx, "queue", []byte(`[{"msgId":"a"}]`)))
	require.NoError(t, s.Save(ctx, "queue", []byte(`[]`)))

	blob, err = s.Load(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(blob), "last writer wins")
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	assert.Equal(t, 2, s.Saves())
}

func TestMemoryStoreCopiesBlob(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Save(context.Background(), "k", buf))
	buf[0] = 'x'
	got, err := s.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// 重新打开模拟进程重启
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	blob, err := reopened.Load(context.Background(), "queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(blob))
}

func TestRedisStoreIntegration(t *testing.T) {
	rdb := infra.NewRedisClient(infra.LoadRedisConfig())
	if err := infra.PingRedis(context.Background(), rdb); err != nil {
		t.Skipf("skip: Redis not reachable: %v", err)
	}
	defer rdb.Close()
	prefix := "test:im:client:"
	_ = rdb.Del(context.Background(), prefix+"queue", prefix+"missing-key").Err()
	exerciseStore(t, NewRedisStore(rdb, prefix))
}

func TestMySQLStoreIntegration(t *testing.T) {
	db, err := infra.NewDB()
	if err != nil {
		t.Skipf("skip: MySQL not available: %v", err)
	}
	s, err := NewMySQLStore(db)
	if err != nil {
		t.Skipf("skip: MySQL not migratable: %v", err)
	}
	_ = s.DB().Where("k IN ?", []string{"queue", "missing-key"}).Delete(&Snapshot{}).Error
	exerciseStore(t, s)
}
