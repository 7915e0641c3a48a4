// Package netstate tracks device connectivity. The platform feeds transitions
// in through SetOnline; an optional active probe covers environments without
// a native connectivity signal. Subscribers are notified on every change.
package netstate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/pkg/logger"
)

// Monitor is the process-wide connectivity observer. Safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	stopProbe chan struct{}
	probeOnce sync.Once

	log *zap.Logger
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
		log:    logger.L().Named("netstate"),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition and notifies subscribers if the
// state changed. Notifications run synchronously in call order.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback for connectivity changes and returns a
// cancel function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// StartProbe begins polling probeURL every interval, feeding the result into
// SetOnline. Any HTTP response, including an error status, proves
// reachability; only transport failures count as offline.
func (m *Monitor) StartProbe(ctx context.Context, probeURL string, interval time.Duration) {
	m.probeOnce.Do(func() {
		m.stopProbe = make(chan struct{})
		rc := req.C().SetTimeout(10 * time.Second)
		go m.probeLoop(ctx, rc, probeURL, interval)
	})
}

// StopProbe halts the probe loop.
func (m *Monitor) StopProbe() {
	m.mu.Lock()
	ch := m.stopProbe
	m.stopProbe = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *Monitor) probeLoop(ctx context.Context, rc *req.Client, probeURL string, interval time.Duration) {
	m.mu.Lock()
	stop := m.stopProbe
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			resp, err := rc.R().SetContext(ctx).Send(http.MethodHead, probeURL)
			m.SetOnline(err == nil && resp != nil)
		}
	}
}
