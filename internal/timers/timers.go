// Package timers holds the two timers the tracker runs on: the self-rearming
// scan timer and the one-shot connection timer.
package timers

import (
	"sync"
	"time"
)

// ScanTimer fires after an initial delay and then every period until
// stopped. The fire callback must not block.
type ScanTimer struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	period time.Duration
	fire   func()
}

// NewScanTimer creates a stopped scan timer.
func NewScanTimer(period time.Duration, fire func()) *ScanTimer {
	return &ScanTimer{period: period, fire: fire}
}

// Arm (re)starts the timer so that it fires after delay, then every period.
func (s *ScanTimer) Arm(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	s.schedule(s.gen, delay)
}

// Stop cancels any pending fire.
func (s *ScanTimer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
}

// Period returns the rearm period.
func (s *ScanTimer) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Armed reports whether a fire is pending.
func (s *ScanTimer) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *ScanTimer) schedule(gen uint64, d time.Duration) {
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.schedule(gen, s.period)
		s.mu.Unlock()

		s.fire()
	})
}

func (s *ScanTimer) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Timer is a one-shot timer whose expiry is observed by polling.
type Timer interface {
	Start(d time.Duration)
	Stop()
	Expired() bool
}

// ConnTimer bounds the wait for a connection-oriented link. Expiry only
// raises a flag; nothing runs on the timer goroutine besides that.
type ConnTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	expired bool
	onFire  func()
}

// NewConnTimer creates a stopped connection timer. onFire, if set, is
// called once per expiry.
func NewConnTimer(onFire func()) *ConnTimer {
	return &ConnTimer{onFire: onFire}
}

// Start arms the timer, clearing any previous expiry.
func (c *ConnTimer) Start(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	c.expired = false
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.expired = true
		c.timer = nil
		onFire := c.onFire
		c.mu.Unlock()

		if onFire != nil {
			onFire()
		}
	})
}

// Stop disarms the timer and clears the expiry flag. Safe to call when not
// running.
func (c *ConnTimer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.expired = false
}

// Expired reports whether the timer ran out since the last Start.
func (c *ConnTimer) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}
