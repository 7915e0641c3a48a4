package cachestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/pkg/logger"
)

// AppState mirrors the platform's application lifecycle signal.
type AppState int

const (
	StateActive AppState = iota
	StateInactive
	StateBackground
)

// Saver drives snapshot persistence: debounced saves on inactive transitions,
// an immediate save when the app goes to background (the process may be
// killed there), and a periodic flush while running. Both paths write the
// same full snapshot, so overlapping saves are harmless.
type Saver struct {
	store    *Store
	debounce time.Duration
	cron     *cron.Cron

	mu       sync.Mutex
	lastSave time.Time
	pending  *time.Timer

	log *zap.Logger
}

// NewSaver creates a Saver. debounce is the minimum gap between debounced
// writes; flushEvery schedules the periodic flush (zero disables it).
func NewSaver(store *Store, debounce, flushEvery time.Duration) (*Saver, error) {
	s := &Saver{
		store:    store,
		debounce: debounce,
		log:      logger.L().Named("cachesaver"),
	}
	if s.debounce <= 0 {
		s.debounce = 10 * time.Second
	}
	if flushEvery > 0 {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", flushEvery), func() {
			s.SaveNow(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("schedule cache flush: %w", err)
		}
	}
	return s, nil
}

// Start begins the periodic flush schedule, if configured.
func (s *Saver) Start() {
	if s.cron != nil {
		s.cron.Start()
	}
}

// Stop halts the schedule and performs a final save.
func (s *Saver) Stop(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()
	s.SaveNow(ctx)
}

// NotifyAppState reacts to a platform lifecycle transition.
func (s *Saver) NotifyAppState(state AppState) {
	switch state {
	case StateBackground:
		// Immediate: the process can be killed at any point from here.
		s.SaveNow(context.Background())
	case StateInactive:
		s.RequestSave()
	}
}

// RequestSave schedules a debounced save: it fires now if the last write is
// older than the debounce window, otherwise once the window elapses. Rapid
// repeated calls collapse into a single pending write.
func (s *Saver) RequestSave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return
	}
	wait := s.debounce - time.Since(s.lastSave)
	if wait <= 0 {
		go s.SaveNow(context.Background())
		return
	}
	s.pending = time.AfterFunc(wait, func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		s.SaveNow(context.Background())
	})
}

// SaveNow writes the snapshot immediately, bypassing the debounce. Errors are
// logged inside Store.Save and swallowed here; in-memory state stays correct.
func (s *Saver) SaveNow(ctx context.Context) {
	if err := s.store.Save(ctx); err != nil {
		s.log.Warn("cache save failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastSave = time.Now()
	s.mu.Unlock()
}
