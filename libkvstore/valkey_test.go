package libkvstore_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	libkv "github.com/lipeng1667/HomeAssistantPro-sub000/libkvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/valkey"
)

func SetupLocalValKeyInstance(ctx context.Context) (string, testcontainers.Container, func(), error) {
	cleanup := func() {}

	container, err := valkey.Run(ctx, "docker.io/valkey/valkey:7.2.5")
	if err != nil {
		return "", nil, cleanup, err
	}

	cleanup = func() {
		timeout := time.Second
		err := container.Stop(ctx, &timeout)
		if err != nil {
			panic(err)
		}
	}

	conn, err := container.ConnectionString(ctx)
	if err != nil {
		return "", nil, cleanup, err
	}
	return conn, container, cleanup, nil
}

func setupValkeyKV(t *testing.T, ctx context.Context) libkv.KV {
	t.Helper()

	connStr, _, cleanup, err := SetupLocalValKeyInstance(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	u, err := url.Parse(connStr)
	require.NoError(t, err)

	manager, err := libkv.NewManager(libkv.Config{KVAddr: u.Host}, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	kv, err := manager.Executor(ctx)
	require.NoError(t, err)
	return kv
}

func TestSystem_ValkeyCRUD(t *testing.T) {
	ctx := context.Background()
	kv := setupValkeyKV(t, ctx)

	key := "testkey"
	value := []byte(`"testvalue"`)

	require.NoError(t, kv.Set(ctx, key, value))

	retrieved, err := kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, retrieved)

	exists, err := kv.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, kv.Delete(ctx, key))

	_, err = kv.Get(ctx, key)
	assert.ErrorIs(t, err, libkv.ErrNotFound)

	exists, err = kv.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSystem_ValkeyTTL(t *testing.T) {
	ctx := context.Background()
	kv := setupValkeyKV(t, ctx)

	require.NoError(t, kv.SetWithTTL(ctx, "ttlkey", []byte(`"ttlvalue"`), 2*time.Second))

	time.Sleep(3 * time.Second)

	_, err := kv.Get(ctx, "ttlkey")
	assert.ErrorIs(t, err, libkv.ErrNotFound)
}

func TestSystem_ValkeyKeys(t *testing.T) {
	ctx := context.Background()
	kv := setupValkeyKV(t, ctx)

	keys := []string{"chat:conversation:1", "chat:conversation:2", "chat:conversation:3"}
	for _, key := range keys {
		require.NoError(t, kv.Set(ctx, key, []byte(`"value"`)))
	}

	listed, err := kv.Keys(ctx, "chat:conversation:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, listed)
}
