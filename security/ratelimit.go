package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultMaxEntries bounds the number of identifiers tracked simultaneously.
const defaultMaxEntries = 10000

// limiterEntry tracks a rate limiter and its last access time
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using a token bucket per
// identifier, with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element // identifier -> list element
	lruList  *list.List               // LRU list of *limiterEntry

	rate       int
	burst      int
	maxEntries int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// NewRateLimiter creates a new rate limiter with automatic cleanup and LRU
// eviction.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      defaultMaxEntries,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically drops limiters idle for 30 minutes
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
