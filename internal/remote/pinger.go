package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/larderhq/larder"
)

// defaultProbeTTL is how long a probe result is served before re-probing.
const defaultProbeTTL = 30 * time.Second

// defaultProbeTimeout bounds a single health request.
const defaultProbeTimeout = 5 * time.Second

// Pinger implements larder.NetworkSource by probing the backend's health
// endpoint and caching the result. Status answers from the cache, so the
// scheduler's gate check never blocks on I/O; a stale cache triggers an
// asynchronous re-probe.
type Pinger struct {
	client *Client
	ttl    time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	last     larder.NetworkStatus
	checked  time.Time
	probing  bool
	hasProbe bool
}

// NewPinger creates a Pinger over the client's health endpoint, caching probe
// results for ttl (0 uses the default).
func NewPinger(client *Client, ttl time.Duration, logger *slog.Logger) *Pinger {
	if ttl <= 0 {
		ttl = defaultProbeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pinger{client: client, ttl: ttl, log: logger}
}

// Status returns the cached connectivity capability. Until the first probe
// completes it optimistically assumes an online, unconstrained transport.
func (p *Pinger) Status() larder.NetworkStatus {
	p.mu.Lock()
	stale := time.Since(p.checked) >= p.ttl
	if stale && !p.probing {
		p.probing = true
		go p.probe()
	}
	st := p.last
	hasProbe := p.hasProbe
	p.mu.Unlock()

	if !hasProbe {
		return larder.NetworkStatus{Online: true}
	}
	return st
}

// probe performs one health request and updates the cache.
func (p *Pinger) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	var health healthResponse
	err := p.client.getJSON(ctx, p.client.baseURL+"/api/v1/health", &health)

	st := larder.NetworkStatus{}
	if err != nil {
		p.log.Debug("health probe failed, reporting offline", "error", err)
	} else {
		st.Online = true
		st.Constrained = health.Constrained
	}

	p.mu.Lock()
	p.last = st
	p.checked = time.Now()
	p.probing = false
	p.hasProbe = true
	p.mu.Unlock()
}
