package service

import (
	"fmt"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/shell"
)

func (s *Service) handleCommand(cmd shell.Command) {
	s.logger.Infof("Command: %s", cmd.Kind)

	switch cmd.Kind {
	case shell.CmdScan:
		s.handleShortPress()
	case shell.CmdLink:
		s.selectLink(cmd.Link)
	case shell.CmdLocationSend, shell.CmdLocationScan:
		if s.appCtx.App != AppRun || !s.idle() {
			s.logger.Info("Uplink in progress, command ignored")
			return
		}
		s.startCycle(cmd.Effort, cmd.Kind == shell.CmdLocationScan)
	case shell.CmdLocationStatus:
		s.reportStatus()
	case shell.CmdWorkshopEnable:
		s.setWorkshop(true)
	case shell.CmdWorkshopDisable:
		s.setWorkshop(false)
	case shell.CmdWorkshopStatus:
		s.reportWorkshop()
	case shell.CmdWorkshopMAC:
		if s.deps.Workshop == nil || s.deps.Workshop.Static() == nil {
			s.logger.Warn("Workshop scanner not available")
			return
		}
		if err := s.deps.Workshop.Static().SetAP(cmd.Slot, cmd.MAC, cmd.RSSI); err != nil {
			s.logger.Warnf("Workshop AP not set: %v", err)
		}
	default:
		s.logger.Warnf("Unhandled command %s", cmd.Kind)
	}
}

// setWorkshop switches to static WiFi access points sent over BLE, or back
// to the configured policy and link.
func (s *Service) setWorkshop(on bool) {
	if s.deps.Workshop == nil {
		s.logger.Warn("Workshop scanner not available")
		return
	}
	if !s.idle() {
		s.logger.Info("Uplink in progress, workshop change ignored")
		return
	}

	s.deps.Workshop.SetWorkshop(on)
	on = s.deps.Workshop.Workshop()
	policy, link := s.policy, s.defaultLink
	if on {
		policy = location.PolicyWiFi
		if s.mgr.ConfiguredLinks().Has(radio.LinkBLE) {
			link = radio.LinkBLE
		}
	}
	if err := s.orch.SetPolicy(policy); err != nil {
		s.logger.Warnf("Policy change rejected: %v", err)
	}
	if err := s.mgr.SelectLink(link); err != nil {
		s.logger.Warnf("Link change rejected: %v", err)
	}
	s.logger.Infof("Workshop mode %v (policy %s, link %s)", on, s.orch.Policy(), s.mgr.ActiveLink())
	s.publishStates(map[string]interface{}{
		"workshop": fmt.Sprint(s.workshop()),
		"policy":   string(s.orch.Policy()),
		"link":     s.mgr.ActiveLink().String(),
	})
}

// reportWorkshop publishes the workshop state and the static access points
// reported while it is on.
func (s *Service) reportWorkshop() {
	if s.deps.Workshop == nil {
		s.logger.Warn("Workshop scanner not available")
		return
	}
	data := map[string]interface{}{
		"workshop": fmt.Sprint(s.workshop()),
	}
	if static := s.deps.Workshop.Static(); static != nil {
		for i, ap := range static.APs() {
			data[fmt.Sprintf("workshop-ap%d", i+1)] = fmt.Sprintf("%s %d", formatMAC(ap.MAC), ap.RSSI)
		}
	}
	s.logger.Infof("Workshop: %v", data)
	s.publishStates(data)
}

func (s *Service) reportStatus() {
	c := &s.appCtx
	s.logger.Infof("Status: app %s, stack %s (%s), links up %s, active link %s, policy %s, tier %s, ping %s, uplink %d/%d, health %s",
		c.App, s.mgr.State(), c.Status.State, c.Status.LinkStatus, s.mgr.ActiveLink(),
		s.orch.Policy(), s.orch.Level(), s.orch.PingState(), c.CurrentFragment, c.TotalFragments, s.health.Current())
	s.publishStates(map[string]interface{}{
		"app-state":    c.App.String(),
		"session":      s.mgr.State().String(),
		"link":         s.mgr.ActiveLink().String(),
		"policy":       string(s.orch.Policy()),
		"effort-level": int(s.orch.Level().Effort()),
		"ping-state":   s.orch.PingState().String(),
		"health":       s.health.Current(),
	})
}
