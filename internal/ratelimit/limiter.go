package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config contains upload rate limit configuration
type Config struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// Limiter applies a token bucket per client key
type Limiter struct {
	config  *Config
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new per-client limiter
func New(cfg *Config) *Limiter {
	return &Limiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether one more request from key fits its bucket
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.config.Enabled || l.config.RequestsPerMin <= 0 {
		return true
	}

	now := l.now()
	return l.bucket(key, now).AllowN(now, 1)
}

// Tokens returns the tokens left for key; unknown keys have a full bucket
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()

	if !ok {
		return float64(l.burst())
	}
	return b.limiter.TokensAt(l.now())
}

func (l *Limiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.config.RequestsPerMin)/60.0), l.burst()),
		}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Limiter) burst() int {
	if l.config.Burst > 0 {
		return l.config.Burst
	}
	return l.config.RequestsPerMin
}

// Cleanup drops buckets idle for longer than maxIdle
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(time.Hour)
			}
		}
	}()
}
