package service

import (
	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
)

// hooks turns stack callbacks, scan completions and manager notifications
// into events.
type hooks struct {
	s *Service
}

func (h hooks) OnEvent(inInterrupt bool) {
	h.s.Post(Event{Kind: EventStackHasWork})
}

func (h hooks) OnStatusChanged(status radio.Status) {
	h.s.Post(Event{Kind: EventStatusChanged, Status: status})
}

func (h hooks) OnMessageSent(desc radio.Descriptor) {
	h.s.Post(Event{Kind: EventMessageSent, Descriptor: desc})
}

func (h hooks) OnSendError(err error, desc radio.Descriptor) {
	h.s.Post(Event{Kind: EventSendError, Descriptor: desc, Err: err})
}

func (h hooks) OnMessageReceived(desc radio.Descriptor, payload []byte) {
	h.s.Post(Event{Kind: EventMessageReceived, Descriptor: desc, Payload: append([]byte(nil), payload...)})
}

func (h hooks) OnFactoryReset() {
	h.s.Post(Event{Kind: EventFactoryReset})
}

func (h hooks) WiFiScanDone(aps []location.AccessPoint, err error) {
	h.s.Post(Event{Kind: EventWiFiScanDone, AccessPoints: aps, Err: err})
}

func (h hooks) SatelliteScanDone(scan location.SatelliteScan, err error) {
	h.s.Post(Event{Kind: EventSatelliteScanDone, Satellite: scan, Err: err})
}

// StackFailed runs on the loop. Repeated init or start failures trigger a
// radio recovery in the background.
func (h hooks) StackFailed(op string, err error) {
	s := h.s
	s.deps.Metrics.StackError(op)
	if op != "init" && op != "start" {
		return
	}
	if !s.health.RecordFailure(op) {
		if s.health.IsTerminal() {
			s.logger.Errorf("Radio hardware needs replacement (%s)", s.health)
		}
		s.publishState("health", s.health.Current())
		return
	}
	if s.deps.Recovery == nil {
		s.logger.Warnf("Radio stack keeps failing (%s) and no recovery is configured", s.health)
		s.publishState("health", s.health.Current())
		return
	}

	s.health.StartRecovery()
	s.publishState("health", s.health.Current())
	s.logger.Warnf("Radio stack keeps failing, starting recovery (%s)", s.health)
	go func() {
		err := s.deps.Recovery.Recover()
		s.health.FinishRecovery(err == nil)
		s.Post(Event{Kind: EventRadioRecovered, Err: err})
	}()
}

func (h hooks) StackStarted(links radio.LinkMask) {
	s := h.s
	if s.health.Current() != "normal" {
		s.logger.Infof("Radio stack healthy again on %s", links)
	}
	s.health.MarkNormal()
	s.publishState("health", s.health.Current())
}
