package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked keys
	DefaultRateLimiterMaxEntries = 10000

	defaultCleanupInterval = 5 * time.Minute
	defaultMaxIdle         = 30 * time.Minute
)

// rateLimiterEntry tracks a limiter and its last access time
type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-key token bucket rate limiting with LRU eviction.
// Keys are client IPs for the token endpoint and hostnames for outbound
// client metadata fetches.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lruList    *list.List // of *rateLimiterEntry, most recent at front
	limit      rate.Limit
	burst      int
	maxEntries int
	maxIdle    time.Duration
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst per key.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(rate.Limit(requestsPerSecond), burst, DefaultRateLimiterMaxEntries, logger)
}

// NewPerMinuteRateLimiter creates a limiter allowing perMinute events per key per minute,
// with a burst of the same size.
func NewPerMinuteRateLimiter(perMinute int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(rate.Every(time.Minute/time.Duration(perMinute)), perMinute, DefaultRateLimiterMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a limiter with an explicit limit and key capacity.
// maxEntries of 0 means unlimited.
func NewRateLimiterWithConfig(limit rate.Limit, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultRateLimiterMaxEntries
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		limit:       limit,
		burst:       burst,
		maxEntries:  maxEntries,
		maxIdle:     defaultMaxIdle,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop(defaultCleanupInterval)

	return rl
}

// Allow reports whether an event for key may happen now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[key]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[key] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.key)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"key", entry.key,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.maxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been used for maxIdleTime and returns how many were removed.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	// idle entries collect at the back of the list
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.key)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
