package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openhcb/hcbcore/internal/cachestore"
	"github.com/openhcb/hcbcore/internal/client"
	"github.com/openhcb/hcbcore/internal/netstate"
)

// doerStub counts calls and serves scripted responses per key.
type doerStub struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(key string, call int) (*client.Response, error)
}

func newDoerStub(fn func(key string, call int) (*client.Response, error)) *doerStub {
	return &doerStub{calls: make(map[string]int), fn: fn}
}

func (d *doerStub) Get(_ context.Context, path string) (*client.Response, error) {
	d.mu.Lock()
	call := d.calls[path]
	d.calls[path]++
	d.mu.Unlock()
	return d.fn(path, call)
}

func (d *doerStub) callCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[key]
}

func okResponse(body string) (*client.Response, error) {
	return &client.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func newTestFetcher(t *testing.T, cfg Config, doer Doer, online bool) (*Fetcher, *netstate.Monitor) {
	t.Helper()
	net := netstate.NewMonitor(online)
	f, err := New(cfg, cachestore.New(t.TempDir()+"/cache.json"), doer, net)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, net
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSubscribeFetchesAndDeliversData(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		return okResponse(`{"balance_cents":1234}`)
	})
	f, _ := newTestFetcher(t, Config{}, doer, true)

	sub := f.Subscribe("/organizations/hq/balance")
	defer sub.Close()

	waitFor(t, func() bool {
		s := sub.Current()
		return s.Data != nil && !s.IsValidating
	}, "data delivered")

	s := sub.Current()
	assert.EqualValues(t, 1234, gjson.GetBytes(s.Data, "balance_cents").Int())
	assert.NoError(t, s.Err)
	assert.False(t, s.IsLoading)
}

func TestOfflineServesCacheWithoutNetwork(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		return okResponse(`{"name":"fresh"}`)
	})

	net := netstate.NewMonitor(false)
	cache := cachestore.New(t.TempDir() + "/cache.json")
	cache.Set("/user", cachestore.Entry{
		Data:      json.RawMessage(`{"name":"cached"}`),
		Timestamp: time.Now().UnixMilli(),
	})
	f, err := New(Config{}, cache, doer, net)
	require.NoError(t, err)
	defer f.Close()

	sub := f.Subscribe("/user")
	defer sub.Close()

	s := sub.Current()
	assert.Equal(t, "cached", gjson.GetBytes(s.Data, "name").String())
	assert.False(t, s.IsLoading)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, doer.callCount("/user"), "offline must not touch the network")

	// Regaining connectivity revalidates exactly once.
	net.SetOnline(true)
	waitFor(t, func() bool {
		return gjson.GetBytes(sub.Current().Data, "name").String() == "fresh"
	}, "revalidated after reconnect")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, doer.callCount("/user"))
}

func TestConcurrentRevalidationsCollapse(t *testing.T) {
	release := make(chan struct{})
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		<-release
		return okResponse(`{}`)
	})
	f, _ := newTestFetcher(t, Config{}, doer, true)

	sub := f.Subscribe("/tx")
	defer sub.Close()
	for i := 0; i < 10; i++ {
		f.Revalidate("/tx")
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	waitFor(t, func() bool { return sub.Current().Data != nil }, "settled")
	assert.Equal(t, 1, doer.callCount("/tx"), "overlapping triggers must share one fetch")
}

func TestTerminal404NotRetried(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		return &client.Response{
			StatusCode: http.StatusNotFound,
			Body:       []byte(`{"error":"not_found","message":"no such org"}`),
		}, nil
	})
	f, _ := newTestFetcher(t, Config{BaseDelay: time.Millisecond}, doer, true)

	sub := f.Subscribe("/organizations/ghost")
	defer sub.Close()

	waitFor(t, func() bool { return sub.Current().Err != nil }, "error settled")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, doer.callCount("/organizations/ghost"))

	s := sub.Current()
	var es *cachestore.ErrorState
	require.ErrorAs(t, s.Err, &es)
	assert.Equal(t, http.StatusNotFound, es.Status)
	assert.Equal(t, "not_found", es.Code)

	// The suppression window blocks an immediate implicit refetch.
	sub2 := f.Subscribe("/organizations/ghost")
	defer sub2.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, doer.callCount("/organizations/ghost"))
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		if call < 2 {
			return &client.Response{StatusCode: http.StatusServiceUnavailable}, nil
		}
		return okResponse(`{"ok":true}`)
	})
	f, _ := newTestFetcher(t, Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, doer, true)

	sub := f.Subscribe("/flaky")
	defer sub.Close()

	waitFor(t, func() bool { return sub.Current().Data != nil }, "recovered")
	assert.Equal(t, 3, doer.callCount("/flaky"))
	assert.NoError(t, sub.Current().Err)
}

func TestExhaustedRetriesKeepStaleData(t *testing.T) {
	var failing atomic.Bool
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		if failing.Load() {
			return &client.Response{StatusCode: http.StatusBadGateway}, nil
		}
		return okResponse(`{"v":1}`)
	})
	f, _ := newTestFetcher(t, Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}, doer, true)

	sub := f.Subscribe("/acct")
	defer sub.Close()
	waitFor(t, func() bool { return sub.Current().Data != nil }, "initial data")

	failing.Store(true)
	f.Revalidate("/acct")
	waitFor(t, func() bool { return sub.Current().Err != nil }, "error after retries")

	s := sub.Current()
	assert.EqualValues(t, 1, gjson.GetBytes(s.Data, "v").Int(), "stale data survives the error")
	assert.False(t, s.IsLoading)
}

func TestGiveUpSettlesWithoutFinalDelay(t *testing.T) {
	var lastCall atomic.Int64
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		lastCall.Store(time.Now().UnixMilli())
		return &client.Response{StatusCode: http.StatusBadGateway}, nil
	})
	f, _ := newTestFetcher(t, Config{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 2,
	}, doer, true)

	sub := f.Subscribe("/down")
	defer sub.Close()

	waitFor(t, func() bool { return sub.Current().Err != nil }, "error settled")
	// The error must settle right after the final attempt; a backoff delay
	// after the last attempt would push this past the base delay.
	sinceLast := time.Now().UnixMilli() - lastCall.Load()
	assert.Less(t, sinceLast, int64(150), "no backoff sleep after the final attempt")
	assert.Equal(t, 2, doer.callCount("/down"))
}

func TestMutateAndMutateField(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		return okResponse(`{"name":"Hack Club HQ","balance_cents":100}`)
	})
	f, _ := newTestFetcher(t, Config{}, doer, true)

	sub := f.Subscribe("/organizations/hq")
	defer sub.Close()
	waitFor(t, func() bool { return sub.Current().Data != nil }, "initial data")

	sub.Mutate(json.RawMessage(`{"name":"Renamed","balance_cents":100}`), false)
	assert.Equal(t, "Renamed", gjson.GetBytes(sub.Current().Data, "name").String())

	require.NoError(t, sub.MutateField("balance_cents", 250, false))
	s := sub.Current()
	assert.EqualValues(t, 250, gjson.GetBytes(s.Data, "balance_cents").Int())
	assert.Equal(t, "Renamed", gjson.GetBytes(s.Data, "name").String())
}

func TestEmptyKeyIsInert(t *testing.T) {
	doer := newDoerStub(func(key string, call int) (*client.Response, error) {
		t.Error("no fetch expected for empty key")
		return okResponse(`{}`)
	})
	f, _ := newTestFetcher(t, Config{}, doer, true)

	sub := f.Subscribe("")
	defer sub.Close()
	time.Sleep(30 * time.Millisecond)

	s := sub.Current()
	assert.Nil(t, s.Data)
	assert.NoError(t, s.Err)
	sub.Mutate(json.RawMessage(`{}`), true)
	sub.Revalidate()
	time.Sleep(30 * time.Millisecond)
}

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	f, _ := newTestFetcher(t, Config{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}, newDoerStub(func(string, int) (*client.Response, error) {
		return okResponse(`{}`)
	}), true)

	eb, ok := f.newBackOff().(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
	assert.Equal(t, 1.5, eb.Multiplier)
	assert.InDelta(t, 0.2, eb.RandomizationFactor, 1e-9, "a zero-value config still jitters")

	// Zero the jitter to make the growth deterministic.
	eb.RandomizationFactor = 0
	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := eb.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.GreaterOrEqual(t, d, prev, "delays must not shrink")
		assert.LessOrEqual(t, d, time.Second, "delays must respect the cap")
		prev = d
	}
	assert.Equal(t, time.Second, prev, "delay converges to the cap")
}
