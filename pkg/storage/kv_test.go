package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "chat_sessions")
	require.NoError(t, err)
	require.False(t, ok, "empty store should report missing key")

	require.NoError(t, kv.Put(ctx, "chat_sessions", []byte(`{"a":1}`)))
	got, ok, err := kv.Get(ctx, "chat_sessions")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, kv.Put(ctx, "chat_sessions", []byte(`{"b":2}`)))
	got, ok, err = kv.Get(ctx, "chat_sessions")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"b":2}`, string(got))

	require.NoError(t, kv.Put(ctx, "sidebar_collapsed", []byte(`true`)))
	got, ok, err = kv.Get(ctx, "sidebar_collapsed")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", string(got))
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKVCopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	value := []byte(`"x"`)
	require.NoError(t, kv.Put(context.Background(), "k", value))
	value[1] = 'y'
	got, _, err := kv.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, `"x"`, string(got))
}

func TestFileKV(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestFileKVRejectsEmptyPath(t *testing.T) {
	_, err := NewFileKV("  ")
	require.Error(t, err)
}

func TestFileKVKeepsKeysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), "../escape", []byte(`1`)))
	require.Equal(t, filepath.Join(dir, "escape.json"), kv.path("../escape"))
}

func TestRedisKV(t *testing.T) {
	redis := miniredis.RunT(t)
	kv, err := NewRedisKV(redis.Addr(), "", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	exerciseKV(t, kv)
	require.True(t, redis.Exists("test:chat_sessions"))
}

func TestRedisKVRequiresAddr(t *testing.T) {
	_, err := NewRedisKV("", "", "")
	require.Error(t, err)
}

func TestSQLiteKV(t *testing.T) {
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	exerciseKV(t, kv)
}

func TestOpenSelectsDriver(t *testing.T) {
	kv, err := Open(Config{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryKV{}, kv)

	kv, err = Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &FileKV{}, kv)
	require.NoError(t, Close(kv))

	_, err = Open(Config{Driver: "etcd"})
	require.True(t, errors.Is(err, ErrUnknownDriver), "got %v", err)
}

func TestGormKVModelAndValidation(t *testing.T) {
	require.Equal(t, "kv_entries", KVModel{}.TableName())

	_, err := NewGormKV(" ")
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"})
	require.Error(t, err)
}

func TestMinioObjectNames(t *testing.T) {
	require.Equal(t, "chat_sessions.json", objectName("chat_sessions"))
	require.Equal(t, "escape.json", objectName("../escape"))
	require.Equal(t, "default.json", objectName(" "))
}
