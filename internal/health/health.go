package health

import (
	"fmt"
	"sync"
	"time"
)

// Constants for health states
const (
	MaxConsecutiveFailures = 3
	MaxRecoveryAttempts    = 5
	RecoveryWaitTime       = 60 * time.Second

	StateNormal           = "normal"
	StateDegraded         = "degraded"
	StateRecovering       = "recovering"
	StateRecoveryFailed   = "recovery-failed"
	StatePermanentFailure = "permanent-failure-needs-replacement"
)

// Health tracks radio stack failures and recovery attempts. It is shared
// between the event loop and the recovery goroutine.
type Health struct {
	mu                  sync.Mutex
	ConsecutiveFailures int
	RecoveryAttempts    int
	LastFailure         time.Time
	LastRecoveryTime    time.Time
	LastOperation       string
	State               string
}

// New creates a new Health instance
func New() *Health {
	return &Health{
		State: StateNormal,
	}
}

// RecordFailure notes a failed stack operation and reports whether a
// recovery should be started now.
func (h *Health) RecordFailure(op string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ConsecutiveFailures++
	h.LastFailure = time.Now()
	h.LastOperation = op

	switch h.State {
	case StateRecovering, StatePermanentFailure:
		return false
	case StateRecoveryFailed:
		if time.Since(h.LastRecoveryTime) < RecoveryWaitTime {
			return false
		}
	}

	if h.ConsecutiveFailures < MaxConsecutiveFailures {
		h.State = StateDegraded
		return false
	}
	return h.RecoveryAttempts < MaxRecoveryAttempts
}

// StartRecovery marks the health as recovering
func (h *Health) StartRecovery() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.State = StateRecovering
	h.RecoveryAttempts++
	h.LastRecoveryTime = time.Now()
}

// FinishRecovery leaves the recovering state. A successful recovery only
// clears the failure streak; the next successful start marks normal.
func (h *Health) FinishRecovery(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ok {
		h.State = StateDegraded
		h.ConsecutiveFailures = 0
		return
	}
	if h.RecoveryAttempts >= MaxRecoveryAttempts {
		h.State = StatePermanentFailure
	} else {
		h.State = StateRecoveryFailed
	}
}

// MarkNormal marks the health as normal
func (h *Health) MarkNormal() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.State = StateNormal
	h.ConsecutiveFailures = 0
	h.RecoveryAttempts = 0
}

// Current returns the current state name.
func (h *Health) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.State
}

// IsRecovering returns true if the health is recovering
func (h *Health) IsRecovering() bool {
	return h.Current() == StateRecovering
}

// IsTerminal returns true if no further recovery will be attempted
func (h *Health) IsTerminal() bool {
	return h.Current() == StatePermanentFailure
}

// String returns a string representation of the health
func (h *Health) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("Health{State: %s, Failures: %d, RecoveryAttempts: %d}", h.State, h.ConsecutiveFailures, h.RecoveryAttempts)
}
