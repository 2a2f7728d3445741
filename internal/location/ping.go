package location

import (
	"github.com/pkg/errors"
)

// PingState is the proximity ping flow:
//
//	Idle -> LinkNarrowing -> AwaitingLinkUp -> Pinging -> Restoring -> Idle
//
// Any failure jumps straight to Restoring so the full link configuration is
// always brought back.
type PingState int

const (
	PingIdle PingState = iota
	PingLinkNarrowing
	PingAwaitingLinkUp
	PingPinging
	PingRestoring
)

func (s PingState) String() string {
	switch s {
	case PingIdle:
		return "idle"
	case PingLinkNarrowing:
		return "link-narrowing"
	case PingAwaitingLinkUp:
		return "awaiting-link-up"
	case PingPinging:
		return "pinging"
	case PingRestoring:
		return "restoring"
	}
	return "unknown"
}

var ErrPingTransition = errors.New("invalid ping transition")

var pingNext = map[PingState]PingState{
	PingIdle:           PingLinkNarrowing,
	PingLinkNarrowing:  PingAwaitingLinkUp,
	PingAwaitingLinkUp: PingPinging,
	PingPinging:        PingRestoring,
	PingRestoring:      PingIdle,
}

// PingState returns the proximity ping state.
func (o *Orchestrator) PingState() PingState {
	return o.ping
}

// PingActive reports whether a ping flow is between start and restore.
func (o *Orchestrator) PingActive() bool {
	return o.ping != PingIdle
}

// AdvancePing moves the ping flow one step forward.
func (o *Orchestrator) AdvancePing() (PingState, error) {
	next := pingNext[o.ping]
	if o.ping == PingIdle && o.cycle.active {
		return o.ping, errors.Wrap(ErrScanInProgress, "start ping")
	}
	if o.ping == PingPinging {
		o.pingFinished(true)
	}
	o.logger.Debugf("Ping %s -> %s", o.ping, next)
	o.ping = next
	return next, nil
}

// FailPing abandons the ping flow and moves to Restoring. It returns false
// when no ping was in progress.
func (o *Orchestrator) FailPing(cause error) bool {
	switch o.ping {
	case PingIdle:
		return false
	case PingRestoring:
		return true
	}
	o.logger.Warnf("Proximity ping failed in %s: %v", o.ping, cause)
	o.pingFinished(false)
	o.ping = PingRestoring
	return true
}

// FinishPing completes Restoring -> Idle. It is a no-op in any other state.
func (o *Orchestrator) FinishPing() {
	if o.ping == PingRestoring {
		o.logger.Debug("Ping restoring -> idle")
		o.ping = PingIdle
	}
}

func (o *Orchestrator) pingFinished(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	o.record(MethodPing, outcome)
	if o.cfg.Policy == PolicyTiered && !o.pingExplicit {
		o.adjustTier(ok, MethodPing, MethodPing)
	}
}

// BeginPing starts a ping flow. explicit pings do not move the tier.
func (o *Orchestrator) BeginPing(explicit bool) (PingState, error) {
	if o.ping != PingIdle {
		return o.ping, errors.Wrapf(ErrPingTransition, "ping already in %s", o.ping)
	}
	o.pingExplicit = explicit
	return o.AdvancePing()
}
