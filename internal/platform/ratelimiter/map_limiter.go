package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	sweepEvery     = 512
)

// NodeLimiter applies a token bucket per node id and periodically evicts idle entries.
type NodeLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byNode  map[int]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-node limiter; returns nil (no limiting) if args are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *NodeLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &NodeLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byNode:  make(map[int]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether nodeID may send one more message at now.
func (l *NodeLimiter) Allow(nodeID int, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byNode[nodeID]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byNode[nodeID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

// Forget drops the bucket for nodeID, e.g. after its pseudonym is revoked.
func (l *NodeLimiter) Forget(nodeID int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byNode, nodeID)
}

func (l *NodeLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byNode)
}

func (l *NodeLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, e := range l.byNode {
		if e.lastSeen.Before(cutoff) {
			delete(l.byNode, id)
		}
	}
}
