package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerSession(t *testing.T) {
	rl := New(Limits{SessionConnRate: 2, SessionRegRate: 5, Burst: 3})

	session := "session-a"
	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(session) {
			t.Errorf("Expected connection %d to be allowed for %s", i, session)
		}
	}
	if rl.AllowConnection(session) {
		t.Error("Expected connection to be denied due to per-session limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowRegistration(session) {
			t.Errorf("Expected registration %d to be allowed for %s", i, session)
		}
	}
	if rl.AllowRegistration(session) {
		t.Error("Expected registration to be denied due to per-session limit")
	}

	other := "session-b"
	if !rl.AllowConnection(other) {
		t.Error("Expected connection to be allowed for different session")
	}
	if !rl.AllowRegistration(other) {
		t.Error("Expected registration to be allowed for different session")
	}
}

func TestLimiterGlobal(t *testing.T) {
	rl := New(Limits{GlobalConnRate: 2, GlobalRegRate: 2, Burst: 2})

	if !rl.AllowConnection("a") || !rl.AllowConnection("b") {
		t.Error("Expected global burst to be allowed")
	}
	if rl.AllowConnection("a") {
		t.Error("Expected connection to be denied due to global limit")
	}
	if !rl.AllowRegistration("a") || !rl.AllowRegistration("b") {
		t.Error("Expected global registration burst to be allowed")
	}
	if rl.AllowRegistration("c") {
		t.Error("Expected registration to be denied due to global limit")
	}
}

func TestLimiterForgetAndSweep(t *testing.T) {
	rl := New(Limits{SessionConnRate: 1, SessionRegRate: 1, Burst: 1})
	rl.AllowConnection("s1")
	rl.AllowConnection("s2")
	rl.AllowRegistration("s1")
	rl.AllowRegistration("s2")

	rl.Forget("s2")
	if len(rl.sessionConn) != 1 || len(rl.sessionReg) != 1 {
		t.Errorf("Expected 1 bucket of each kind after Forget, got %d/%d", len(rl.sessionConn), len(rl.sessionReg))
	}

	rl.Sweep(func(string) bool { return false })
	if len(rl.sessionConn) != 0 || len(rl.sessionReg) != 0 {
		t.Errorf("Expected no buckets after sweep, got %d/%d", len(rl.sessionConn), len(rl.sessionReg))
	}
}

func TestLimiterDisabled(t *testing.T) {
	rl := New(Limits{Burst: 5})
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("s") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowRegistration("s") {
			t.Errorf("Expected registration %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.AllowConnection("s") {
		t.Error("nil limiter should allow everything")
	}
}
