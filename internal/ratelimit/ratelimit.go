package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter applies a global and a per-session budget to inbound connections
// (data plane) and to registration requests (control plane). A rate of 0
// disables the corresponding limit.
type Limiter struct {
	mu          sync.Mutex
	globalConn  *TokenBucket
	globalReg   *TokenBucket
	sessionConn map[string]*TokenBucket
	sessionReg  map[string]*TokenBucket
	connRate    int
	regRate     int
	burst       int
}

// Limits configures a Limiter. Rates are per second.
type Limits struct {
	GlobalConnRate  int
	SessionConnRate int
	GlobalRegRate   int
	SessionRegRate  int
	Burst           int
}

// New creates a limiter from l.
func New(l Limits) *Limiter {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	rl := &Limiter{
		sessionConn: make(map[string]*TokenBucket),
		sessionReg:  make(map[string]*TokenBucket),
		connRate:    l.SessionConnRate,
		regRate:     l.SessionRegRate,
		burst:       l.Burst,
	}
	if l.GlobalConnRate > 0 {
		rl.globalConn = NewTokenBucket(l.GlobalConnRate, l.Burst)
	}
	if l.GlobalRegRate > 0 {
		rl.globalReg = NewTokenBucket(l.GlobalRegRate, l.Burst)
	}
	return rl
}

// AllowConnection checks whether a new inbound connection for session may be accepted.
func (rl *Limiter) AllowConnection(session string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalConn, rl.sessionConn, rl.connRate, session)
}

// AllowRegistration checks whether session may issue another registration.
func (rl *Limiter) AllowRegistration(session string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalReg, rl.sessionReg, rl.regRate, session)
}

func (rl *Limiter) allow(global *TokenBucket, per map[string]*TokenBucket, rate int, session string) bool {
	if global != nil && !global.Allow() {
		return false
	}
	if rate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := per[session]
	if !ok {
		bucket = NewTokenBucket(rate, rl.burst)
		per[session] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the per-session buckets of a closed session.
func (rl *Limiter) Forget(session string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.sessionConn, session)
	delete(rl.sessionReg, session)
	rl.mu.Unlock()
}

// Sweep removes buckets for sessions that active reports as gone.
func (rl *Limiter) Sweep(active func(session string) bool) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for s := range rl.sessionConn {
		if !active(s) {
			delete(rl.sessionConn, s)
		}
	}
	for s := range rl.sessionReg {
		if !active(s) {
			delete(rl.sessionReg, s)
		}
	}
}
