// Package service runs the tracker's dispatch loop: one goroutine that owns
// the application state and reacts to events posted by timers, the radio
// stack, scanners, the button and the command channel.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"asset-tracker/internal/config"
	"asset-tracker/internal/connection"
	"asset-tracker/internal/health"
	"asset-tracker/internal/location"
	"asset-tracker/internal/metrics"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/shell"
	"asset-tracker/internal/timers"
	"asset-tracker/internal/uplink"
	"asset-tracker/internal/wifi"
)

// SensorReader refreshes the sensor snapshot.
type SensorReader interface {
	Read() (uplink.Sensors, error)
}

// Publisher mirrors tracker state to the outside world.
type Publisher interface {
	PublishState(ctx context.Context, field, value string) error
	PublishStates(ctx context.Context, fields map[string]interface{}) error
	PublishLocation(ctx context.Context, data map[string]interface{}) error
	PublishDownlink(ctx context.Context, payloadHex string) error
}

// Recoverer power-cycles the radio hardware.
type Recoverer interface {
	Recover() error
}

// Indicator signals uplink outcomes to the user.
type Indicator interface {
	Blink(n int, pulse, gap time.Duration) error
}

// Deps are the collaborators of the service. Only Stack is required.
type Deps struct {
	Stack     radio.Stack
	WiFi      location.WiFiScanner
	Satellite location.SatelliteScanner
	Sensors   SensorReader
	Publisher Publisher
	Metrics   *metrics.Collector
	Recovery  Recoverer
	Indicator Indicator
	// Workshop switches the WiFi scanner to static access points.
	Workshop *wifi.Selector
}

type Service struct {
	cfg     *config.Config
	deps    Deps
	logger  logrus.FieldLogger
	version string

	queue     *Queue
	appCtx    AppContext
	mgr       *connection.Manager
	orch      *location.Orchestrator
	encoder   *uplink.Encoder
	scanTimer *timers.ScanTimer
	health    *health.Health

	policy      location.Policy
	defaultLink radio.LinkMask
	longRange   radio.LinkMask

	// postAfter delivers an event after a delay.
	postAfter func(time.Duration, Event)
	runCtx    context.Context
}

func New(cfg *config.Config, deps Deps, logger logrus.FieldLogger, version string) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Stack == nil {
		return nil, errors.New("no radio stack")
	}

	links, _ := cfg.LinkMask()
	defaultLink, _ := cfg.DefaultLink()
	policy, _ := location.ParsePolicy(cfg.Policy)

	encoder, err := uplink.NewEncoder(cfg.MaxFragment)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		version:     version,
		encoder:     encoder,
		health:      health.New(),
		policy:      policy,
		defaultLink: defaultLink,
		longRange:   cfg.LongRangeLink(),
		runCtx:      context.Background(),
	}
	s.queue = NewQueue(cfg.QueueSize, deps.Metrics.Purged)
	s.postAfter = func(d time.Duration, e Event) {
		time.AfterFunc(d, func() { s.queue.Post(e) })
	}
	s.scanTimer = timers.NewScanTimer(cfg.ScanInterval, func() {
		s.queue.Post(Event{Kind: EventScanDue})
	})

	h := hooks{s}
	s.mgr, err = connection.NewManager(deps.Stack, h, connection.Options{
		Config:            radio.Config{LinkMask: links, TimeSyncPeriod: 24 * time.Hour},
		DefaultLink:       defaultLink,
		ConnectionTimeout: cfg.ConnTimeout,
		Purge:             s.queue.Purge,
		Timer:             timers.NewConnTimer(nil),
		Observer:          h,
	}, logger.WithField("component", "connection"))
	if err != nil {
		return nil, err
	}

	maxAPs := cfg.MaxAPs
	if maxAPs == 0 || maxAPs > encoder.MaxAccessPoints() {
		maxAPs = encoder.MaxAccessPoints()
	}
	wifiScanner := deps.WiFi
	if deps.Workshop != nil {
		wifiScanner = deps.Workshop
	}
	var recorder location.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	s.orch, err = location.New(location.Config{
		Policy:          policy,
		MinSatellites:   cfg.MinSatellites,
		MinAccessPoints: cfg.MinAPs,
		MaxAccessPoints: maxAPs,
		StepDownAfter:   cfg.StepDownAfter,
	}, wifiScanner, deps.Satellite, h, recorder, logger.WithField("component", "location"))
	if err != nil {
		return nil, err
	}

	s.logger.Infof("asset-tracker %s", version)
	return s, nil
}

// Post enqueues an event for the dispatch loop. Safe for concurrent use.
func (s *Service) Post(e Event) {
	s.queue.Post(e)
}

// HandleCommand parses an operator command and posts it. Malformed commands
// are rejected here and never reach the loop.
func (s *Service) HandleCommand(line string) error {
	cmd, err := shell.Parse(line)
	if err != nil {
		s.logger.Warnf("Rejected command %q: %v", line, err)
		return err
	}
	s.Post(Event{Kind: EventCommand, Command: cmd})
	return nil
}

// Run starts the radio stack and processes events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.boot()

	for {
		e, err := s.queue.Next(ctx)
		if err != nil {
			break
		}
		s.dispatch(e)
	}

	s.scanTimer.Stop()
	s.mgr.Close()
	s.logger.Info("Dispatch loop stopped")
	return nil
}

// boot applies the startup workshop mode, then initialises and starts the
// stack on the active link. The first Ready status moves the application to
// AppRun.
func (s *Service) boot() {
	if s.cfg.Workshop || s.workshop() {
		s.setWorkshop(true)
	}
	s.publishStates(map[string]interface{}{
		"app-state": s.appCtx.App.String(),
		"version":   s.version,
		"link":      s.mgr.ActiveLink().String(),
		"policy":    string(s.orch.Policy()),
		"health":    s.health.Current(),
		"workshop":  fmt.Sprint(s.workshop()),
	})

	if err := s.mgr.EnsureStarted(s.mgr.ActiveLink()); err != nil {
		s.logger.Errorf("Initial stack start failed, retrying on the scan timer: %v", err)
		s.scanTimer.Arm(s.cfg.FirstScanDelay)
	}
}

func (s *Service) dispatch(e Event) {
	switch e.Kind {
	case EventStackHasWork:
		if err := s.mgr.Process(); err != nil {
			s.logger.Warnf("Stack process failed: %v", err)
		}
	case EventShortPress:
		s.handleShortPress()
	case EventLongPress:
		s.handleLongPress()
	case EventScanDue:
		s.handleScanDue()
	case EventConnectionRequested:
		s.handleConnectionRequested()
	case EventConnectionWaitTick:
		s.handleConnectionWaitTick()
	case EventSendUplink:
		s.handleSendUplink()
	case EventSensorsScanned:
		s.handleSensorsScanned()
	case EventScanLocation:
		s.handleScanLocation(e)
	case EventStackStart:
		if err := s.mgr.EnsureStarted(s.mgr.ActiveLink()); err != nil {
			s.logger.Warnf("Stack start failed, skipping cycle: %v", err)
		}
	case EventStackStop:
		s.handleStackStop()
	case EventUplinkComplete:
		s.handleUplinkComplete(e)
	case EventLinkModeSwitchStart:
		s.handleLinkModeSwitchStart(e)
	case EventLinkModeSwitchReady:
		s.handleLinkModeSwitchReady()
	case EventLinkModeRestore:
		s.handleLinkModeRestore()
	case EventStatusChanged:
		s.handleStatusChanged(e.Status)
	case EventMessageSent:
		s.handleMessageSent(e.Descriptor)
	case EventSendError:
		s.handleSendError(e.Descriptor, e.Err)
	case EventMessageReceived:
		s.handleMessageReceived(e.Descriptor, e.Payload)
	case EventFactoryReset:
		s.logger.Warn("Radio stack reported a factory reset")
		s.publishState("factory-reset", time.Now().UTC().Format(time.RFC3339))
	case EventWiFiScanDone:
		s.handleScanOutcome(s.orch.HandleWiFi(e.AccessPoints, e.Err))
	case EventSatelliteScanDone:
		s.handleScanOutcome(s.orch.HandleSatellite(e.Satellite, e.Err))
	case EventRadioRecovered:
		s.handleRadioRecovered(e.Err)
	case EventCommand:
		s.handleCommand(e.Command)
	default:
		s.logger.Warnf("Dropping unknown event %d", e.Kind)
	}
}

// idle reports whether no scan, uplink or ping is in flight.
func (s *Service) idle() bool {
	c := &s.appCtx
	return !c.UplinkInProgress() && c.PendingScan == nil && !c.RestorePending &&
		!s.orch.Busy() && !s.orch.PingActive()
}

func (s *Service) workshop() bool {
	return s.deps.Workshop != nil && s.deps.Workshop.Workshop()
}

func (s *Service) publishState(field, value string) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishState(s.runCtx, field, value); err != nil {
		s.logger.Debugf("Publish %s failed: %v", field, err)
	}
}

func (s *Service) publishStates(fields map[string]interface{}) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishStates(s.runCtx, fields); err != nil {
		s.logger.Debugf("Publish state failed: %v", err)
	}
}
