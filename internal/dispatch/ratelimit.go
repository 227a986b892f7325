package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/registry"
)

type bucketKey struct {
	sessionID uuid.UUID
	toolName  string
}

type toolBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter applies token-bucket rate limiting per (session, tool) pair.
// Bucket parameters come from the tool's class: read-heavy tools get
// larger buckets than mutating tools. Exceeding the bucket rejects the
// call with a retry hint rather than queuing it.
type Limiter struct {
	readRate   rate.Limit
	readBurst  int
	writeRate  rate.Limit
	writeBurst int

	mu      sync.Mutex
	buckets map[bucketKey]*toolBucket
}

// NewLimiter creates a limiter from the configured class parameters.
func NewLimiter(cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		readRate:   rate.Limit(cfg.ReadRate),
		readBurst:  cfg.ReadBurst,
		writeRate:  rate.Limit(cfg.WriteRate),
		writeBurst: cfg.WriteBurst,
		buckets:    make(map[bucketKey]*toolBucket),
	}
}

// Allow consumes one token from the (session, tool) bucket. When the
// bucket is empty it reports the delay until the next token; the
// reservation is cancelled so a rejected call consumes nothing.
func (l *Limiter) Allow(sessionID uuid.UUID, toolName string, class registry.ToolClass) (bool, time.Duration) {
	l.mu.Lock()
	key := bucketKey{sessionID: sessionID, toolName: toolName}
	b, ok := l.buckets[key]
	if !ok {
		r, burst := l.readRate, l.readBurst
		if class == registry.ClassWrite {
			r, burst = l.writeRate, l.writeBurst
		}
		b = &toolBucket{limiter: rate.NewLimiter(r, burst)}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	l.mu.Unlock()

	res := b.limiter.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Drop removes every bucket belonging to a session. Wired to revocation so
// dead sessions do not pin bucket state.
func (l *Limiter) Drop(sessionID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.sessionID == sessionID {
			delete(l.buckets, key)
		}
	}
}

// Sweep runs until ctx is cancelled, cleaning up stale buckets to prevent
// unbounded memory growth.
func (l *Limiter) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * interval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
