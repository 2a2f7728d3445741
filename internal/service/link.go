package service

import (
	"fmt"

	"github.com/pkg/errors"

	"asset-tracker/internal/connection"
	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/uplink"
)

func (s *Service) handleStatusChanged(status radio.Status) {
	prev := s.appCtx.Status
	s.appCtx.Status = status
	if status != prev {
		s.logger.Infof("Stack status %s (links up %s, registered %v, time synced %v)",
			status.State, status.LinkStatus, status.Registered, status.TimeSynced)
	}

	if s.appCtx.App == AppInit && s.appCtx.ready() {
		s.appCtx.App = AppRun
		s.logger.Infof("Stack ready, first scan in %v", s.cfg.FirstScanDelay)
		s.scanTimer.Arm(s.cfg.FirstScanDelay)
		s.Post(Event{Kind: EventStackStop})
	}

	s.publishStates(map[string]interface{}{
		"app-state":   s.appCtx.App.String(),
		"stack-state": status.State.String(),
		"links-up":    status.LinkStatus.String(),
		"registered":  fmt.Sprint(status.Registered),
		"time-synced": fmt.Sprint(status.TimeSynced),
	})
}

func (s *Service) handleStackStop() {
	if err := s.mgr.Stop(); err != nil {
		s.logger.Warnf("Stack stop failed: %v", err)
	}
	if s.appCtx.RestorePending {
		s.Post(Event{Kind: EventLinkModeRestore})
	}
}

func (s *Service) handleConnectionRequested() {
	if err := s.mgr.RequestConnection(); err != nil {
		if s.orch.PingActive() {
			s.pingFailed(err)
			return
		}
		s.abortUplink(err)
		return
	}
	s.Post(Event{Kind: EventConnectionWaitTick})
}

func (s *Service) handleConnectionWaitTick() {
	c := &s.appCtx
	switch s.mgr.PollConnectionWait(c.ready(), c.Status.LinkStatus) {
	case connection.Idle:
	case connection.Waiting:
		s.postAfter(s.cfg.ConnPoll, Event{Kind: EventConnectionWaitTick})
	case connection.Up:
		if c.BLELocationPending {
			s.Post(Event{Kind: EventLinkModeSwitchReady})
			return
		}
		s.Post(Event{Kind: EventSendUplink})
	case connection.TimedOut:
		cause := errors.Wrapf(connection.ErrConnectionTimeout, "%s after %v", s.mgr.ActiveLink(), s.cfg.ConnTimeout)
		c.BLELocationPending = false
		if s.orch.PingActive() {
			s.orch.FailPing(cause)
			c.pingInFlight = false
		}
		if c.UplinkInProgress() || c.PendingScan != nil {
			// The uplink-complete handler posts the stop.
			s.abortUplink(cause)
			return
		}
		s.Post(Event{Kind: EventStackStop})
	}
}

// handleLinkModeSwitchStart narrows the stack to the short-range link for a
// proximity ping.
func (s *Service) handleLinkModeSwitchStart(e Event) {
	c := &s.appCtx
	if c.UplinkInProgress() || s.orch.Busy() {
		s.logger.Info("Uplink in progress, proximity ping skipped")
		return
	}
	if _, err := s.orch.BeginPing(e.Effort != location.EffortDefault); err != nil {
		s.logger.Warnf("Proximity ping not started: %v", err)
		return
	}
	c.BLELocationPending = true
	c.RestorePending = true

	if err := s.mgr.SwitchLink(radio.LinkBLE); err != nil {
		s.pingFailed(err)
		return
	}
	if err := s.mgr.EnsureStarted(radio.LinkBLE); err != nil {
		s.pingFailed(err)
		return
	}
	if _, err := s.orch.AdvancePing(); err != nil {
		s.pingFailed(err)
		return
	}
	s.publishState("link", s.mgr.ActiveLink().String())
	s.Post(Event{Kind: EventConnectionRequested})
}

func (s *Service) handleLinkModeSwitchReady() {
	c := &s.appCtx
	if !c.BLELocationPending || s.orch.PingState() != location.PingAwaitingLinkUp {
		s.logger.Debug("Stale link-mode-switch-ready")
		return
	}
	if _, err := s.orch.AdvancePing(); err != nil {
		s.pingFailed(err)
		return
	}
	desc, err := s.mgr.Send(uplink.ProximityPing)
	if err != nil {
		s.pingFailed(err)
		return
	}
	c.pingID = desc.ID
	c.pingInFlight = true
	s.logger.Infof("Proximity ping sent as message %d", desc.ID)
}

// pingSent completes a successful ping and heads for the restore.
func (s *Service) pingSent() {
	c := &s.appCtx
	c.pingInFlight = false
	c.BLELocationPending = false
	if _, err := s.orch.AdvancePing(); err != nil {
		s.logger.Warnf("Ping completion: %v", err)
	}
	s.logger.Info("Proximity ping delivered")
	s.publishLocation(location.Outcome{Result: uplink.NoLocation{}, Method: location.MethodPing})
	s.Post(Event{Kind: EventStackStop})
}

// pingFailed abandons the ping. The restore always follows the stop.
func (s *Service) pingFailed(cause error) {
	c := &s.appCtx
	c.pingInFlight = false
	c.BLELocationPending = false
	s.orch.FailPing(cause)
	s.Post(Event{Kind: EventStackStop})
}

func (s *Service) handleLinkModeRestore() {
	c := &s.appCtx
	if !c.RestorePending {
		return
	}
	if s.orch.PingActive() && s.orch.PingState() != location.PingRestoring {
		s.orch.FailPing(errors.New("restored before completion"))
	}
	if err := s.mgr.Restore(); err != nil {
		s.logger.Errorf("Link restore failed: %v", err)
	}
	c.RestorePending = false
	c.BLELocationPending = false
	c.pingInFlight = false
	s.orch.FinishPing()
	s.logger.Infof("Link configuration restored (%s, active %s)", s.mgr.ConfiguredLinks(), s.mgr.ActiveLink())
	s.publishState("link", s.mgr.ActiveLink().String())
}

func (s *Service) handleShortPress() {
	if s.appCtx.App != AppRun || !s.idle() {
		s.logger.Info("Uplink in progress, button ignored")
		return
	}
	s.logger.Infof("Scan requested, starting in %v", s.cfg.ButtonScanDelay)
	s.scanTimer.Arm(s.cfg.ButtonScanDelay)
}

// handleLongPress toggles the uplink link between BLE and the long-range
// link.
func (s *Service) handleLongPress() {
	target := radio.LinkBLE
	if s.mgr.ActiveLink() == radio.LinkBLE {
		target = s.longRange
	}
	if target == 0 {
		s.logger.Warn("No long-range link configured")
		return
	}
	s.selectLink(target)
}

func (s *Service) selectLink(link radio.LinkMask) {
	if !s.idle() {
		s.logger.Info("Uplink in progress, link change ignored")
		return
	}
	if err := s.mgr.SelectLink(link); err != nil {
		s.logger.Warnf("Link change rejected: %v", err)
		return
	}
	s.publishState("link", link.String())
	s.Post(Event{Kind: EventStackStop})
	if s.appCtx.App == AppRun {
		s.scanTimer.Arm(s.cfg.ButtonScanDelay)
	}
}

func (s *Service) handleRadioRecovered(err error) {
	s.publishState("health", s.health.Current())
	if err != nil {
		s.logger.Errorf("Radio recovery failed: %v", err)
		return
	}
	s.logger.Info("Radio recovered, resetting stack session")
	if s.appCtx.UplinkInProgress() || s.appCtx.PendingScan != nil {
		s.abortUplink(errors.New("radio recovery"))
	}
	s.orch.Abort()
	s.orch.FailPing(errors.New("radio recovery"))
	s.orch.FinishPing()
	s.appCtx.RestorePending = false
	s.appCtx.BLELocationPending = false
	s.appCtx.pingInFlight = false
	s.mgr.Reset()
}
