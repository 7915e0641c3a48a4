// Package cachestore implements the persistent response cache: an in-memory
// map of per-key fetch outcomes with synchronous reads and writes, persisted
// as a single JSON snapshot file that is rewritten wholesale on save. Reads
// and writes never touch disk; durability is provided by the Saver.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/pkg/logger"
)

// Entry is the most recent known outcome for a cache key. Entries are
// immutable snapshots replaced wholesale on update.
type Entry struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorState     `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorState is the serializable form of a failed fetch outcome.
type ErrorState struct {
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorState) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request failed: status %d: %s", e.Status, e.Message)
	}
	return e.Message
}

const snapshotVersion = 1

type snapshot struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Store is the process-wide response cache. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
	loaded  bool

	saveMu sync.Mutex // serializes snapshot writes so they cannot tear

	log *zap.Logger
}

// New creates a Store persisting to path. No I/O happens until Initialize or
// Save.
func New(path string) *Store {
	return &Store{
		entries: make(map[string]Entry),
		path:    path,
		log:     logger.L().Named("cachestore"),
	}
}

// Get returns the entry for key. The second result reports whether the key
// was present.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Set replaces any existing entry for key.
func (s *Store) Set(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

// Delete removes one entry, reporting whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Clear empties the cache. Used on logout and user switch.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
}

// Keys returns all cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeleteByPrefix removes every entry whose key starts with prefix, returning
// the number removed. Used for bulk invalidation after mutations.
func (s *Store) DeleteByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Initialize loads the persisted snapshot into memory. It is idempotent after
// the first call. Storage failures are non-fatal: a missing, unreadable, or
// corrupt snapshot is logged and the cache starts empty.
func (s *Store) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		s.log.Warn("cache snapshot read failed, starting empty", zap.String("path", s.path), zap.Error(err))
		s.loaded = true
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Corrupt snapshot: discard it rather than failing startup.
		s.log.Warn("cache snapshot corrupt, discarding", zap.String("path", s.path), zap.Error(err))
		s.loaded = true
		return nil
	}

	// Entries written before Initialize win over the snapshot.
	for k, v := range snap.Entries {
		if _, exists := s.entries[k]; !exists {
			s.entries[k] = v
		}
	}
	s.loaded = true
	s.log.Info("cache snapshot loaded", zap.Int("entries", len(snap.Entries)))
	return nil
}

// Save serializes the entire in-memory map and rewrites the snapshot file.
// Writes are full-snapshot overwrites, so concurrent Saves are idempotent;
// the write itself is serialized and goes through a temp-file rename so a
// torn file is never left behind. Failure is logged and returned; in-memory
// state remains correct either way.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	snap := snapshot{
		Version: snapshotVersion,
		Entries: make(map[string]Entry, len(s.entries)),
	}
	for k, v := range s.entries {
		snap.Entries[k] = v
	}
	s.mu.RUnlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("cache snapshot marshal failed", zap.Error(err))
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("cache snapshot mkdir failed", zap.Error(err))
		return fmt.Errorf("mkdir for cache snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error("cache snapshot write failed", zap.String("path", tmp), zap.Error(err))
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("cache snapshot rename failed", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("rename cache snapshot: %w", err)
	}

	s.log.Debug("cache snapshot saved",
		zap.Int("entries", len(snap.Entries)),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
