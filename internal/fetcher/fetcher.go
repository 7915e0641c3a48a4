// Package fetcher implements keyed stale-while-revalidate fetching over the
// response cache. Subscribers get cached data immediately and updates as
// revalidations settle; while offline no network is touched and cached data
// is replayed, with one automatic revalidation when connectivity returns.
package fetcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/cachestore"
	"github.com/openhcb/hcbcore/internal/client"
	"github.com/openhcb/hcbcore/internal/errclass"
	"github.com/openhcb/hcbcore/internal/netstate"
	"github.com/openhcb/hcbcore/internal/pkg/logger"
)

// Doer is the slice of the HTTP client the fetcher depends on. A cache key is
// an opaque API path plus query string, passed through verbatim.
type Doer interface {
	Get(ctx context.Context, path string) (*client.Response, error)
}

// Config bounds the revalidation retry behavior.
type Config struct {
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // retry delay cap
	MaxAttempts int           // attempts per revalidation trigger
	Jitter      float64       // randomization factor applied to each delay
	NegativeTTL time.Duration // suppression window for terminal 4xx outcomes
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	return c
}

// Snapshot is the state a subscriber observes for its key.
type Snapshot struct {
	Data         json.RawMessage
	Err          error
	IsLoading    bool // no data yet and a first fetch is pending or running
	IsValidating bool // a revalidation is running
}

// Fetcher coordinates subscriptions, revalidation, and offline behavior.
// Construct one per process over the shared cache, client, and monitor.
type Fetcher struct {
	cfg    Config
	cache  *cachestore.Store
	client Doer
	net    *netstate.Monitor
	neg    *ristretto.Cache

	mu   sync.Mutex
	keys map[string]*keyState

	cancelNet func()
	log       *zap.Logger
}

type keyState struct {
	subs       map[int]*Subscription
	nextID     int
	validating bool
}

// New creates a Fetcher and hooks it to connectivity changes: regaining
// connectivity revalidates every currently-subscribed key exactly once.
func New(cfg Config, cache *cachestore.Store, doer Doer, net *netstate.Monitor) (*Fetcher, error) {
	neg, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		cfg:    cfg.withDefaults(),
		cache:  cache,
		client: doer,
		net:    net,
		neg:    neg,
		keys:   make(map[string]*keyState),
		log:    logger.L().Named("fetcher"),
	}
	f.cancelNet = net.Subscribe(func(online bool) {
		if online {
			f.revalidateAll()
		}
	})
	return f, nil
}

// Close detaches from connectivity updates.
func (f *Fetcher) Close() {
	if f.cancelNet != nil {
		f.cancelNet()
	}
	f.neg.Close()
}

// Subscribe registers interest in key. An empty key disables fetching
// entirely and yields an inert subscription. While online, subscribing
// triggers a background revalidation; while offline, only cached data is
// served.
func (f *Fetcher) Subscribe(key string) *Subscription {
	sub := &Subscription{f: f, key: key, ch: make(chan Snapshot, 1)}
	if key == "" {
		return sub
	}

	f.mu.Lock()
	ks := f.keys[key]
	if ks == nil {
		ks = &keyState{subs: make(map[int]*Subscription)}
		f.keys[key] = ks
	}
	sub.id = ks.nextID
	ks.nextID++
	ks.subs[sub.id] = sub
	f.mu.Unlock()

	sub.push(f.snapshot(key))
	if f.net.Online() {
		go f.revalidate(key, false)
	}
	return sub
}

// Revalidate forces one revalidation for key, bypassing the terminal-error
// suppression window. No-op while offline.
func (f *Fetcher) Revalidate(key string) {
	if key == "" || !f.net.Online() {
		return
	}
	go f.revalidate(key, true)
}

func (f *Fetcher) revalidateAll() {
	f.mu.Lock()
	keys := make([]string, 0, len(f.keys))
	for k, ks := range f.keys {
		if len(ks.subs) > 0 {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()

	f.log.Info("connectivity regained, revalidating subscribed keys", zap.Int("keys", len(keys)))
	for _, k := range keys {
		go f.revalidate(k, false)
	}
}

// revalidate runs one revalidation cycle for key: a fetch with bounded,
// jittered backoff on retryable failures. At most one cycle runs per key;
// overlapping triggers collapse into the running one.
func (f *Fetcher) revalidate(key string, force bool) {
	if !force {
		if _, suppressed := f.neg.Get(key); suppressed {
			return
		}
	}

	f.mu.Lock()
	ks := f.keys[key]
	if ks == nil || ks.validating {
		f.mu.Unlock()
		return
	}
	ks.validating = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		ks.validating = false
		f.mu.Unlock()
		f.broadcast(key)
	}()

	f.broadcast(key)

	bo := f.newBackOff()
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if !f.net.Online() {
			// Offline mid-cycle: stop quietly, cached state stands. The
			// reconnect hook will revalidate.
			return
		}

		resp, err := f.client.Get(context.Background(), key)
		if err == nil && resp.Success() {
			f.cache.Set(key, cachestore.Entry{
				Data:      resp.Body,
				Timestamp: time.Now().UnixMilli(),
			})
			f.broadcast(key)
			return
		}

		if err == nil {
			apiErr := resp.APIError()
			if !errclass.RetryableFetchStatus(resp.StatusCode) {
				f.settleError(key, &cachestore.ErrorState{
					Status:  apiErr.Status,
					Code:    apiErr.Code,
					Message: apiErr.Message,
				})
				f.neg.SetWithTTL(key, struct{}{}, 1, f.cfg.NegativeTTL)
				f.neg.Wait()
				return
			}
			lastErr = apiErr
		} else {
			lastErr = err
		}

		if attempt == f.cfg.MaxAttempts-1 {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		f.log.Debug("revalidation retry",
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		time.Sleep(delay)
	}

	f.log.Warn("revalidation gave up", zap.String("key", key), zap.Error(lastErr))
	es := &cachestore.ErrorState{Message: lastErr.Error()}
	var apiErr *client.APIError
	if e, ok := lastErr.(*client.APIError); ok {
		apiErr = e
	}
	if apiErr != nil {
		es.Status = apiErr.Status
		es.Code = apiErr.Code
	}
	f.settleError(key, es)
}

// settleError records a failed outcome while preserving any previously
// cached data, so stale data stays visible next to the error.
func (f *Fetcher) settleError(key string, es *cachestore.ErrorState) {
	var data json.RawMessage
	if prev, ok := f.cache.Get(key); ok {
		data = prev.Data
	}
	f.cache.Set(key, cachestore.Entry{
		Data:      data,
		Error:     es,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (f *Fetcher) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BaseDelay
	bo.Multiplier = 1.5
	bo.MaxInterval = f.cfg.MaxDelay
	bo.RandomizationFactor = f.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// snapshot composes the current view for key from the cache and run state.
func (f *Fetcher) snapshot(key string) Snapshot {
	entry, ok := f.cache.Get(key)

	f.mu.Lock()
	validating := false
	if ks := f.keys[key]; ks != nil {
		validating = ks.validating
	}
	f.mu.Unlock()

	snap := Snapshot{IsValidating: validating}
	if ok {
		snap.Data = entry.Data
		if entry.Error != nil {
			snap.Err = entry.Error
		}
	}
	snap.IsLoading = snap.Data == nil && snap.Err == nil
	return snap
}

func (f *Fetcher) broadcast(key string) {
	snap := f.snapshot(key)

	f.mu.Lock()
	ks := f.keys[key]
	if ks == nil {
		f.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(ks.subs))
	for _, s := range ks.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.push(snap)
	}
}

// Subscription is one subscriber's handle for a key.
type Subscription struct {
	f   *Fetcher
	key string
	id  int
	ch  chan Snapshot

	closeOnce sync.Once
}

// Updates delivers snapshots, latest-wins: a slow reader only ever misses
// intermediate states, never the newest one.
func (s *Subscription) Updates() <-chan Snapshot { return s.ch }

// Current returns the present snapshot without waiting for an update.
func (s *Subscription) Current() Snapshot {
	if s.key == "" {
		return Snapshot{}
	}
	return s.f.snapshot(s.key)
}

// Revalidate forces a fetch for this key.
func (s *Subscription) Revalidate() {
	if s.key != "" {
		s.f.Revalidate(s.key)
	}
}

// Mutate applies an optimistic local update: the cached value is replaced
// immediately and subscribers are notified; when revalidate is true a server
// fetch follows to reconcile.
func (s *Subscription) Mutate(data json.RawMessage, revalidate bool) {
	if s.key == "" {
		return
	}
	s.f.cache.Set(s.key, cachestore.Entry{Data: data, Timestamp: time.Now().UnixMilli()})
	s.f.broadcast(s.key)
	if revalidate {
		s.f.Revalidate(s.key)
	}
}

// MutateField sets one JSON field (gjson path syntax) in the cached value,
// as a convenience over Mutate for small optimistic edits.
func (s *Subscription) MutateField(path string, value any, revalidate bool) error {
	if s.key == "" {
		return nil
	}
	var base []byte
	if entry, ok := s.f.cache.Get(s.key); ok {
		base = entry.Data
	}
	updated, err := sjson.SetBytes(base, path, value)
	if err != nil {
		return err
	}
	s.Mutate(updated, revalidate)
	return nil
}

// Close detaches the subscriber. The last subscriber leaving a key drops its
// bookkeeping; any in-flight revalidation settles into the cache unobserved.
func (s *Subscription) Close() {
	if s.key == "" {
		return
	}
	s.closeOnce.Do(func() {
		s.f.mu.Lock()
		if ks := s.f.keys[s.key]; ks != nil {
			delete(ks.subs, s.id)
			if len(ks.subs) == 0 && !ks.validating {
				delete(s.f.keys, s.key)
			}
		}
		s.f.mu.Unlock()
	})
}

func (s *Subscription) push(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
