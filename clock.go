package main

import (
	"sync"
	"time"
)

// Clock supplies the time for record timestamps, the 48h edit window and
// CAPTCHA expiry, so tests can move it by hand.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// since is time.Since against c.
func since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// MockClock is a manually driven Clock, safe for use from the sweeper goroutine.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockClock(start time.Time) *MockClock {
	return &MockClock{currentTime: start}
}

func (mc *MockClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.currentTime
}

// Advance moves the clock forward by d.
func (mc *MockClock) Advance(d time.Duration) {
	mc.mu.Lock()
	mc.currentTime = mc.currentTime.Add(d)
	mc.mu.Unlock()
}
