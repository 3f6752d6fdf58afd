package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptLimiter rate limits the transport accept path. It is two-level:
// a per-IP bucket prevents a single address from flooding upgrades and a
// global bucket caps system-wide churn from distributed sources.
//
// Unlike the message-path Limiter, accept decisions are a plain yes/no, so
// this is built on golang.org/x/time/rate.
type AcceptLimiter struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig configures an AcceptLimiter. Zero values take the
// defaults noted per field.
type AcceptLimiterConfig struct {
	IPBurst int           // max burst upgrades per IP (default 10)
	IPRate  float64       // sustained upgrades/sec per IP (default 1.0)
	IPTTL   time.Duration // drop idle IP entries after this (default 5m)

	GlobalBurst int     // max burst upgrades system-wide (default 300)
	GlobalRate  float64 // sustained upgrades/sec system-wide (default 50)

	Logger zerolog.Logger
}

// NewAcceptLimiter creates an accept-path limiter and starts its IP-entry
// cleanup loop. Call Stop during shutdown.
func NewAcceptLimiter(cfg AcceptLimiterConfig) *AcceptLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	al := &AcceptLimiter{
		ipLimiters:  make(map[string]*ipEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:      cfg.Logger.With().Str("component", "accept_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	al.cleanupTicker = time.NewTicker(time.Minute)
	go al.cleanupLoop()

	return al
}

// Allow reports whether an upgrade from ip may proceed. Checks the global
// bucket first (no map lookup), then the per-IP bucket.
func (al *AcceptLimiter) Allow(ip string) bool {
	if !al.global.Allow() {
		al.logger.Debug().Str("ip", ip).Msg("upgrade rejected: global rate limit")
		return false
	}
	if !al.ipLimiter(ip).Allow() {
		al.logger.Debug().Str("ip", ip).Msg("upgrade rejected: per-IP rate limit")
		return false
	}
	return true
}

func (al *AcceptLimiter) ipLimiter(ip string) *rate.Limiter {
	al.ipMu.Lock()
	defer al.ipMu.Unlock()
	entry, ok := al.ipLimiters[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(al.ipRate), al.ipBurst),
		lastAccess: time.Now(),
	}
	al.ipLimiters[ip] = entry
	return entry.limiter
}

func (al *AcceptLimiter) cleanupLoop() {
	for {
		select {
		case <-al.cleanupTicker.C:
			al.cleanup()
		case <-al.stopCleanup:
			al.cleanupTicker.Stop()
			return
		}
	}
}

func (al *AcceptLimiter) cleanup() {
	al.ipMu.Lock()
	defer al.ipMu.Unlock()
	now := time.Now()
	removed := 0
	for ip, entry := range al.ipLimiters {
		if now.Sub(entry.lastAccess) > al.ipTTL {
			delete(al.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		al.logger.Debug().Int("removed", removed).Int("remaining", len(al.ipLimiters)).
			Msg("cleaned up idle IP limiters")
	}
}

// Stop halts the cleanup loop. Idempotent.
func (al *AcceptLimiter) Stop() {
	al.stopOnce.Do(func() { close(al.stopCleanup) })
}
