package larder

import (
	"sync"
	"time"
)

// ActivityMonitor tracks the most recent user-interaction timestamp and
// classifies the system as idle once a quiet threshold elapses. Which signals
// count as interaction is the caller's choice — the monitor only cares that
// something happened at time T.
type ActivityMonitor struct {
	mu        sync.Mutex
	last      time.Time
	threshold time.Duration
}

// NewActivityMonitor creates a monitor with the given idle threshold. The
// construction instant counts as the first activity: a freshly launched
// client is in active use.
func NewActivityMonitor(threshold time.Duration, now time.Time) *ActivityMonitor {
	return &ActivityMonitor{last: now, threshold: threshold}
}

// Touch records an interaction signal. Out-of-order signals never move the
// timestamp backwards.
func (m *ActivityMonitor) Touch(t time.Time) {
	m.mu.Lock()
	if t.After(m.last) {
		m.last = t
	}
	m.mu.Unlock()
}

// IsIdle reports whether at least the idle threshold has elapsed since the
// last observed interaction.
func (m *ActivityMonitor) IsIdle(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.last) >= m.threshold
}

// LastActivity returns the most recent interaction timestamp.
func (m *ActivityMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// NetworkMonitor classifies connectivity as suitable or unsuitable for
// background transfer. It is a capability check only — offline and explicitly
// constrained/metered modes are unsuitable, everything else is suitable.
type NetworkMonitor struct {
	src NetworkSource
}

// NewNetworkMonitor wraps a network status source. A nil source assumes an
// unconstrained, always-online transport.
func NewNetworkMonitor(src NetworkSource) *NetworkMonitor {
	return &NetworkMonitor{src: src}
}

// Suitable reports whether background transfer should run right now.
func (m *NetworkMonitor) Suitable() bool {
	if m.src == nil {
		return true
	}
	st := m.src.Status()
	return st.Online && !st.Constrained
}
