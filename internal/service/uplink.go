package service

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/uplink"
)

// stalledAfter is the number of scan-due ticks a cycle may stay in flight
// before it is aborted.
const stalledAfter = 2

func (s *Service) handleScanDue() {
	if s.appCtx.App == AppInit {
		s.logger.Info("Stack not ready yet, retrying start")
		s.Post(Event{Kind: EventStackStart})
		return
	}
	if !s.idle() {
		s.appCtx.busyTicks++
		s.logger.Infof("Scan due while a cycle is in flight (%d)", s.appCtx.busyTicks)
		if s.appCtx.busyTicks >= stalledAfter {
			s.abortCycle(errors.New("cycle stalled"))
		}
		return
	}
	s.appCtx.busyTicks = 0
	s.startCycle(location.EffortDefault, false)
}

// startCycle fans a scan cycle out into stack start, sensor refresh and the
// location scan.
func (s *Service) startCycle(effort location.Effort, scanOnly bool) {
	s.Post(Event{Kind: EventStackStart})
	s.Post(Event{Kind: EventSensorsScanned})
	s.Post(Event{Kind: EventScanLocation, Effort: effort, ScanOnly: scanOnly})
}

func (s *Service) handleSensorsScanned() {
	if s.deps.Sensors == nil {
		return
	}
	snap, err := s.deps.Sensors.Read()
	if err != nil {
		s.logger.Warnf("Sensor read incomplete: %v", err)
	}
	s.appCtx.Sensors = snap
	s.logger.Debugf("Sensors: battery %d%%, %.1f°C, %.0f%%RH, motion %v, peak %.1f m/s²",
		snap.Battery, snap.Temperature, snap.Humidity, snap.Motion, snap.PeakAccel)
}

func (s *Service) handleScanLocation(e Event) {
	method, err := s.orch.Plan(e.Effort)
	if err != nil {
		s.logger.Warnf("Cannot plan location cycle: %v", err)
		return
	}
	if method == location.MethodPing {
		if e.ScanOnly {
			s.logger.Warn("Proximity ping cannot run scan-only")
			return
		}
		s.Post(Event{Kind: EventLinkModeSwitchStart, Effort: e.Effort})
		return
	}
	if !s.mgr.Running() {
		s.logger.Warn("Stack not running, skipping location cycle")
		return
	}

	refTime, err := s.mgr.GPSTime()
	if err != nil {
		refTime = radio.GPSSeconds(time.Now())
		s.logger.Warnf("Stack time unavailable (%v), using system clock", err)
	}

	explicit := e.Effort != location.EffortDefault
	s.logger.Infof("Starting %s scan (policy %s, explicit %v, scan only %v)", method, s.orch.Policy(), explicit, e.ScanOnly)
	if err := s.orch.Start(method, explicit, e.ScanOnly, refTime); err != nil {
		if errors.Is(err, location.ErrScanInProgress) {
			s.logger.Info("Scan already in progress")
			return
		}
		s.logger.Errorf("Scan could not start: %v", err)
		s.handleScanOutcome(location.Outcome{
			Result:   uplink.NoLocation{},
			Method:   method,
			ScanOnly: e.ScanOnly,
			Err:      err,
		})
	}
}

func (s *Service) handleScanOutcome(out location.Outcome) {
	if !out.Done() {
		return
	}
	s.publishLocation(out)
	if out.ScanOnly {
		s.logger.Infof("Scan-only result: %s", describe(out.Result))
		s.Post(Event{Kind: EventStackStop})
		return
	}
	s.appCtx.PendingScan = out.Result
	s.Post(Event{Kind: EventSendUplink})
}

func (s *Service) handleSendUplink() {
	c := &s.appCtx
	if !c.UplinkInProgress() && c.PendingScan == nil {
		s.logger.Debug("Nothing to send")
		return
	}
	if !s.mgr.Running() {
		s.abortUplink(errors.Wrap(radio.ErrNotStarted, "send uplink"))
		return
	}

	link := s.mgr.ActiveLink()
	if link.ConnectionOriented() && !(c.ready() && c.Status.LinkStatus.Has(link)) {
		s.logger.Debugf("Link %s not up, requesting connection", link)
		s.Post(Event{Kind: EventConnectionRequested})
		return
	}

	if !c.UplinkInProgress() {
		frags, err := s.encoder.Encode(c.PendingScan, c.Sensors)
		c.PendingScan = nil
		if err != nil {
			s.logger.Errorf("Uplink abandoned: %v", err)
			s.Post(Event{Kind: EventUplinkComplete, Aborted: true, Err: err})
			return
		}
		c.startUplink(frags)
		s.deps.Metrics.FragmentsQueued(len(frags))
		s.logger.Infof("Uplink of %d fragment(s) on %s", len(frags), link)
	}

	frag := c.fragments[c.CurrentFragment]
	desc, err := s.mgr.Send(frag)
	if err != nil {
		s.abortUplink(err)
		return
	}
	c.inFlight = desc.ID
	c.inFlightValid = true
	s.logger.Debugf("Fragment %d/%d queued as message %d: %s", c.CurrentFragment+1, c.TotalFragments, desc.ID, hex.EncodeToString(frag))
}

func (s *Service) handleMessageSent(desc radio.Descriptor) {
	c := &s.appCtx
	if c.pingInFlight && desc.ID == c.pingID {
		s.pingSent()
		return
	}
	if !c.UplinkInProgress() || !c.inFlightValid || desc.ID != c.inFlight {
		s.logger.Debugf("Ignoring completion of message %d", desc.ID)
		return
	}

	c.inFlightValid = false
	c.CurrentFragment++
	s.deps.Metrics.FragmentSent(c.TotalFragments - c.CurrentFragment)
	if c.CurrentFragment == c.TotalFragments {
		total := c.TotalFragments
		c.resetUplink()
		s.Post(Event{Kind: EventUplinkComplete, Fragments: total})
		return
	}
	s.Post(Event{Kind: EventSendUplink})
}

func (s *Service) handleSendError(desc radio.Descriptor, err error) {
	c := &s.appCtx
	s.deps.Metrics.StackError("send")
	if c.pingInFlight && desc.ID == c.pingID {
		s.pingFailed(errors.Wrap(err, "ping send"))
		return
	}
	if !c.UplinkInProgress() || !c.inFlightValid || desc.ID != c.inFlight {
		s.logger.Debugf("Ignoring send error for message %d: %v", desc.ID, err)
		return
	}
	s.abortUplink(errors.Wrapf(err, "fragment %d/%d", c.CurrentFragment+1, c.TotalFragments))
}

// abortUplink drops the in-flight uplink and reports it as aborted.
func (s *Service) abortUplink(cause error) {
	c := &s.appCtx
	sent := c.CurrentFragment
	c.resetUplink()
	s.logger.Errorf("Uplink aborted after %d fragment(s): %v", sent, cause)
	s.Post(Event{Kind: EventUplinkComplete, Aborted: true, Fragments: sent, Err: cause})
}

func (s *Service) handleUplinkComplete(e Event) {
	outcome := "ok"
	if e.Aborted {
		outcome = "aborted"
	} else {
		s.logger.Infof("Uplink complete (%d fragments)", e.Fragments)
	}
	s.deps.Metrics.UplinkCompleted(outcome)
	s.publishStates(map[string]interface{}{
		"uplink":           outcome,
		"uplink-fragments": e.Fragments,
		"uplink-time":      time.Now().UTC().Format(time.RFC3339),
	})
	s.indicate(outcome)
	s.Post(Event{Kind: EventStackStop})
}

func (s *Service) handleMessageReceived(desc radio.Descriptor, payload []byte) {
	h := hex.EncodeToString(payload)
	s.logger.Infof("Downlink %d on %s: %s", desc.ID, desc.Link, h)
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishDownlink(s.runCtx, h); err != nil {
		s.logger.Debugf("Publish downlink failed: %v", err)
	}
}

// abortCycle drops whatever scan, ping or uplink is in flight.
func (s *Service) abortCycle(cause error) {
	s.logger.Warnf("Aborting cycle: %v", cause)
	s.appCtx.busyTicks = 0
	s.orch.Abort()
	if s.orch.PingActive() {
		s.pingFailed(cause)
		return
	}
	if s.appCtx.UplinkInProgress() || s.appCtx.PendingScan != nil {
		s.abortUplink(cause)
		return
	}
	s.Post(Event{Kind: EventStackStop})
}

func (s *Service) indicate(outcome string) {
	if s.deps.Indicator == nil {
		return
	}
	n := 1
	if outcome != "ok" {
		n = 3
	}
	go func() {
		if err := s.deps.Indicator.Blink(n, 200*time.Millisecond, 200*time.Millisecond); err != nil {
			s.logger.Debugf("LED: %v", err)
		}
	}()
}

func (s *Service) publishLocation(out location.Outcome) {
	if s.deps.Publisher == nil {
		return
	}
	data := map[string]interface{}{
		"method":    out.Method.String(),
		"result":    out.Result.Type().String(),
		"scan-only": fmt.Sprint(out.ScanOnly),
	}
	switch r := out.Result.(type) {
	case uplink.WiFiResult:
		data["access-points"] = len(r.AccessPoints)
		for i, ap := range r.AccessPoints {
			data[fmt.Sprintf("ap%d", i+1)] = fmt.Sprintf("%s %d", formatMAC(ap.MAC), ap.RSSI)
		}
	case uplink.SatelliteResult:
		data["satellites"] = int(r.Satellites)
		data["capture-time"] = r.CaptureTime
		data["nav"] = hex.EncodeToString(r.Nav)
	}
	if out.Err != nil {
		data["reason"] = out.Err.Error()
	}
	if err := s.deps.Publisher.PublishLocation(s.runCtx, data); err != nil {
		s.logger.Debugf("Publish location failed: %v", err)
	}
}

func describe(r uplink.Result) string {
	switch r := r.(type) {
	case uplink.WiFiResult:
		return fmt.Sprintf("%d access points", len(r.AccessPoints))
	case uplink.SatelliteResult:
		return fmt.Sprintf("%d satellites, %d nav bytes", r.Satellites, len(r.Nav))
	}
	return "no location"
}

func formatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
