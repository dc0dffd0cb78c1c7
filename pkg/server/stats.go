package server

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Running     bool
	Active      int
	Peak        int64
	Accepted    uint64
	Closed      uint64
	Activations uint64
	Failures    uint64
	Handlers    int

	// PendingMax is the longest per-connection activation queue observed.
	PendingMax int64

	CollectedAt time.Time
}

type counters struct {
	accepted    atomic.Uint64
	closed      atomic.Uint64
	activations atomic.Uint64
	failures    atomic.Uint64
	peak        atomic.Int64
	pendingMax  atomic.Int64
}

func (c *counters) observePending(n int) {
	storeMax(&c.pendingMax, int64(n))
}

func (c *counters) observeActive(n int) {
	storeMax(&c.peak, int64(n))
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Running:     s.Running(),
		Active:      s.registry.Len(),
		Peak:        s.stats.peak.Load(),
		Accepted:    s.stats.accepted.Load(),
		Closed:      s.stats.closed.Load(),
		Activations: s.stats.activations.Load(),
		Failures:    s.stats.failures.Load(),
		Handlers:    s.chain.len(),
		PendingMax:  s.stats.pendingMax.Load(),
		CollectedAt: time.Now(),
	}
}
