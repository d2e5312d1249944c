package main

import (
	"fmt"
	"sync"
	"time"
)

// ConnRateLimiter throttles WebSocket handshakes that keep presenting
// malformed identities. Attempts are keyed by client IP plus an identity
// prefix so one noisy device cannot block a whole NAT.
type ConnRateLimiter struct {
	mu              sync.RWMutex
	attempts        map[string]*connAttemptRecord
	maxAttempts     int
	blockDuration   time.Duration
	cleanupInterval time.Duration
	attemptsWindow  time.Duration
	stopCleanup     chan struct{}
}

// connAttemptRecord tracks handshake failures from one IP+identity pair.
type connAttemptRecord struct {
	firstAttempt    time.Time
	lastAttempt     time.Time
	failureCount    int
	blockedUntil    time.Time
	lastLoggedCount int
}

// NewConnRateLimiter creates a limiter and starts its cleanup goroutine.
func NewConnRateLimiter(maxAttempts int, blockDuration, attemptsWindow time.Duration) *ConnRateLimiter {
	rl := &ConnRateLimiter{
		attempts:        make(map[string]*connAttemptRecord),
		maxAttempts:     maxAttempts,
		blockDuration:   blockDuration,
		cleanupInterval: 1 * time.Minute,
		attemptsWindow:  attemptsWindow,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// RecordFailure records a failed handshake attempt.
// Returns (isBlocked, shouldLog, attemptCount).
func (rl *ConnRateLimiter) RecordFailure(ip, idPrefix string) (bool, bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := rl.makeKey(ip, idPrefix)
	now := time.Now()

	record, exists := rl.attempts[key]
	if !exists {
		record = &connAttemptRecord{
			firstAttempt: now,
			lastAttempt:  now,
			failureCount: 1,
		}
		rl.attempts[key] = record
		return false, true, 1
	}

	if now.Before(record.blockedUntil) {
		record.lastAttempt = now
		record.failureCount++
		// Only log every tenth attempt while the block holds.
		shouldLog := record.failureCount%10 == 0
		return true, shouldLog, record.failureCount
	}

	if now.Sub(record.firstAttempt) > rl.attemptsWindow {
		// New window, start counting over.
		record.firstAttempt = now
		record.lastAttempt = now
		record.failureCount = 1
		record.lastLoggedCount = 0
		return false, true, 1
	}

	record.lastAttempt = now
	record.failureCount++

	if record.failureCount >= rl.maxAttempts {
		record.blockedUntil = now.Add(rl.blockDuration)
		return true, true, record.failureCount
	}

	// Log every attempt up to the limit, then every fifth.
	shouldLog := record.failureCount <= rl.maxAttempts ||
		(record.failureCount-record.lastLoggedCount >= 5)

	if shouldLog {
		record.lastLoggedCount = record.failureCount
	}

	return false, shouldLog, record.failureCount
}

// IsBlocked reports whether an IP+identity pair is currently blocked and
// until when.
func (rl *ConnRateLimiter) IsBlocked(ip, idPrefix string) (bool, time.Time) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	record, exists := rl.attempts[rl.makeKey(ip, idPrefix)]
	if !exists {
		return false, time.Time{}
	}

	now := time.Now()
	if now.Before(record.blockedUntil) {
		return true, record.blockedUntil
	}

	return false, time.Time{}
}

// RecordSuccess clears the failure record after a successful handshake.
func (rl *ConnRateLimiter) RecordSuccess(ip, idPrefix string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.attempts, rl.makeKey(ip, idPrefix))
}

func (rl *ConnRateLimiter) makeKey(ip, idPrefix string) string {
	return fmt.Sprintf("%s:%s", ip, idPrefix)
}

func (rl *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops records whose block expired and whose window has lapsed.
func (rl *ConnRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, record := range rl.attempts {
		if (now.After(record.blockedUntil) && now.Sub(record.lastAttempt) > rl.attemptsWindow) ||
			now.Sub(record.lastAttempt) > rl.blockDuration*2 {
			delete(rl.attempts, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *ConnRateLimiter) Stop() {
	close(rl.stopCleanup)
}

// GetStats reports record and block counts for diagnostics.
func (rl *ConnRateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	blocked := 0
	now := time.Now()
	for _, record := range rl.attempts {
		if now.Before(record.blockedUntil) {
			blocked++
		}
	}

	return map[string]interface{}{
		"total_records":   len(rl.attempts),
		"blocked_clients": blocked,
	}
}
