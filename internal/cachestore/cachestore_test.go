package cachestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entry(data string) Entry {
	return Entry{Data: json.RawMessage(data), Timestamp: time.Now().UnixMilli()}
}

func TestGetUnknownKey(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	_, ok := s.Get("missing")
	require.False(t, ok)
}

func TestSetOverwritesWholesale(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	s.Set("org/abc", entry(`{"v":1}`))
	s.Set("org/abc", entry(`{"v":2}`))

	require.Equal(t, 1, s.Len())
	got, ok := s.Get("org/abc")
	require.True(t, ok)
	require.JSONEq(t, `{"v":2}`, string(got.Data))
}

func TestDeleteReportsExistence(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	s.Set("a", entry(`1`))

	require.True(t, s.Delete("a"))
	require.False(t, s.Delete("a"))
}

func TestKeysAndDeleteByPrefix(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	s.Set("org/1/transactions", entry(`[]`))
	s.Set("org/1/cards", entry(`[]`))
	s.Set("user/me", entry(`{}`))

	require.Equal(t, []string{"org/1/cards", "org/1/transactions", "user/me"}, s.Keys())
	require.Equal(t, 2, s.DeleteByPrefix("org/1/"))
	require.Equal(t, []string{"user/me"}, s.Keys())
}

func TestClear(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	s.Set("a", entry(`1`))
	s.Set("b", entry(`2`))
	s.Clear()
	require.Equal(t, 0, s.Len())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	ctx := context.Background()

	s := New(path)
	require.NoError(t, s.Initialize(ctx))
	a := Entry{Data: json.RawMessage(`{"name":"a"}`), Timestamp: 100}
	b := Entry{Data: json.RawMessage(`[1,2,3]`), Timestamp: 200}
	c := Entry{Error: &ErrorState{Status: 404, Message: "not found"}, Timestamp: 300}
	s.Set("a", a)
	s.Set("b", b)
	s.Set("c", c)
	require.NoError(t, s.Save(ctx))

	// Simulated process restart.
	restored := New(path)
	require.NoError(t, restored.Initialize(ctx))

	gotA, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, a, gotA)
	gotB, ok := restored.Get("b")
	require.True(t, ok)
	require.Equal(t, b, gotB)
	gotC, ok := restored.Get("c")
	require.True(t, ok)
	require.Equal(t, c, gotC)
}

func TestInitializeIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	ctx := context.Background()

	s := New(path)
	s.Set("pre", entry(`1`))
	require.NoError(t, s.Save(ctx))

	restored := New(path)
	require.NoError(t, restored.Initialize(ctx))
	restored.Set("post", entry(`2`))
	require.NoError(t, restored.Initialize(ctx))

	// The second call must not reload the snapshot over live entries.
	require.Equal(t, 2, restored.Len())
}

func TestInitializeCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{not json"), 0o644))

	s := New(path)
	require.NoError(t, s.Initialize(context.Background()))
	require.Equal(t, 0, s.Len())
}

func TestInitializeUnreadableSnapshotStartsEmpty(t *testing.T) {
	// A directory at the snapshot path produces a read error that is neither
	// "not exist" nor a JSON parse failure.
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.Mkdir(path, 0o755))

	s := New(path)
	require.NoError(t, s.Initialize(context.Background()))
	require.Equal(t, 0, s.Len())

	// The store is usable after the failed load.
	s.Set("/user", Entry{Data: []byte(`{}`), Timestamp: 1})
	_, ok := s.Get("/user")
	require.True(t, ok)
	require.NoError(t, s.Initialize(context.Background()))
	require.Equal(t, 1, s.Len())
}

func TestInitializeMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, s.Initialize(context.Background()))
	require.Equal(t, 0, s.Len())
}

func TestSaverBackgroundSavesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s := New(path)
	s.Set("k", entry(`"v"`))

	saver, err := NewSaver(s, time.Minute, 0)
	require.NoError(t, err)
	saver.NotifyAppState(StateBackground)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestSaverDebouncesRapidRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s := New(path)
	s.Set("k", entry(`"v"`))

	saver, err := NewSaver(s, 80*time.Millisecond, 0)
	require.NoError(t, err)

	// First request fires immediately (no prior save in the window).
	saver.RequestSave()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	before, err := os.Stat(path)
	require.NoError(t, err)
	mtime := before.ModTime()

	// Rapid toggling: collapses into one pending write after the window.
	saver.RequestSave()
	saver.RequestSave()
	saver.RequestSave()

	time.Sleep(20 * time.Millisecond)
	mid, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, mtime, mid.ModTime())

	require.Eventually(t, func() bool {
		after, err := os.Stat(path)
		return err == nil && after.ModTime().After(mtime)
	}, time.Second, 10*time.Millisecond)
}

func TestSaverStopFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s := New(path)
	s.Set("k", entry(`"v"`))

	saver, err := NewSaver(s, time.Minute, time.Hour)
	require.NoError(t, err)
	saver.Start()
	saver.Stop(context.Background())

	restored := New(path)
	require.NoError(t, restored.Initialize(context.Background()))
	require.Equal(t, 1, restored.Len())
}
