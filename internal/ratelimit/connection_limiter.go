// Package ratelimit provides connection admission control, independent of
// the gossip sender's own tick-rate limiter (see internal/antientropy).
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiter enforces a per-IP and a global token-bucket limit on
// accepted connections, grounded on the same two-level design the teacher
// uses for its WebSocket upgrade path.
type ConnectionLimiter struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stop chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config configures New.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// New builds a ConnectionLimiter and starts its background stale-entry
// cleanup. Call Stop to release the cleanup goroutine.
func New(cfg Config) *ConnectionLimiter {
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate <= 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 50.0
	}

	cl := &ConnectionLimiter{
		ipLimiters: make(map[string]*ipEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     rate.Limit(cfg.IPRate),
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:     cfg.Logger.With().Str("component", "connection_limiter").Logger(),
		stop:       make(chan struct{}),
	}

	go cl.cleanupLoop()

	return cl
}

// Allow reports whether a new connection from ip should be admitted.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	if !cl.global.Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate exceeded")
		return false
	}

	if !cl.ipLimiter(ip).Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate exceeded")
		return false
	}

	return true
}

func (cl *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	entry, ok := cl.ipLimiters[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(cl.ipRate, cl.ipBurst)
	cl.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stop:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cutoff := time.Now().Add(-cl.ipTTL)

	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	for ip, entry := range cl.ipLimiters {
		if entry.lastAccess.Before(cutoff) {
			delete(cl.ipLimiters, ip)
		}
	}
}

// Stop releases the background cleanup goroutine.
func (cl *ConnectionLimiter) Stop() {
	close(cl.stop)
}
