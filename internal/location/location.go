// Package location decides how each scan cycle acquires a position and turns
// scan results into uplink results.
package location

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"asset-tracker/internal/uplink"
)

const (
	DefaultMinSatellites   = 5
	DefaultMinAccessPoints = 2
	DefaultMaxAccessPoints = 4
	DefaultStepDownAfter   = 3
)

// Method is the acquisition technique used for one cycle.
type Method int

const (
	MethodNone Method = iota
	MethodPing
	MethodWiFi
	MethodSatellite
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodPing:
		return "ping"
	case MethodWiFi:
		return "wifi"
	case MethodSatellite:
		return "satellite"
	}
	return "unknown"
}

// Effort returns the operator-facing effort level of m.
func (m Method) Effort() Effort {
	switch m {
	case MethodPing:
		return EffortPing
	case MethodWiFi:
		return EffortWiFi
	case MethodSatellite:
		return EffortSatellite
	}
	return EffortDefault
}

// Effort is an operator-facing effort level.
type Effort int

const (
	// EffortDefault lets the configured policy decide.
	EffortDefault   Effort = 0
	EffortPing      Effort = 1
	EffortLongRange Effort = 2
	EffortWiFi      Effort = 3
	EffortSatellite Effort = 4
)

// Method maps an explicit effort level to its acquisition method.
func (e Effort) Method() (Method, error) {
	switch e {
	case EffortPing:
		return MethodPing, nil
	case EffortWiFi:
		return MethodWiFi, nil
	case EffortSatellite:
		return MethodSatellite, nil
	case EffortLongRange:
		return MethodNone, errors.Wrapf(ErrUnsupportedEffort, "effort %d", e)
	}
	return MethodNone, errors.Wrapf(ErrUnsupportedEffort, "effort %d out of range", e)
}

// Policy selects methods for cycles without an explicit effort.
type Policy string

const (
	PolicyWiFi          Policy = "wifi"
	PolicySatellite     Policy = "gnss"
	PolicySatelliteWiFi Policy = "gnss-wifi"
	PolicyTiered        Policy = "tiered"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyWiFi, PolicySatellite, PolicySatelliteWiFi, PolicyTiered:
		return p, nil
	}
	return "", errors.Errorf("unknown location policy %q", s)
}

var (
	ErrInsufficientQuality = errors.New("insufficient scan quality")
	ErrUnsupportedEffort   = errors.New("unsupported effort level")
	ErrScanInProgress      = errors.New("scan already in progress")
	ErrNoScanner           = errors.New("no scanner configured")
)

// AccessPoint is one raw WiFi observation.
type AccessPoint struct {
	MAC  [6]byte
	RSSI int8
	// Mobile marks hotspots that move with their owner and say nothing
	// about the tracker's position.
	Mobile bool
}

// IsLocallyAdministered reports whether the BSSID has the locally
// administered bit set, which phone hotspots use.
func IsLocallyAdministered(mac [6]byte) bool {
	return mac[0]&0x02 != 0
}

// SatelliteScan is one completed satellite scan.
type SatelliteScan struct {
	Satellites  int
	Nav         []byte
	CaptureTime uint32
}

// Position is an assistance position for satellite scans.
type Position struct {
	Latitude  float64
	Longitude float64
}

// WiFiScanner starts an asynchronous WiFi scan; done is called exactly once
// from any goroutine unless an error is returned.
type WiFiScanner interface {
	ScanWiFi(done func([]AccessPoint, error)) error
}

// SatelliteScanner starts an asynchronous satellite scan.
type SatelliteScanner interface {
	ScanSatellites(refTime uint32, assist Position, done func(SatelliteScan, error)) error
}

// Sink receives scan completions, typically by posting events.
type Sink interface {
	WiFiScanDone(aps []AccessPoint, err error)
	SatelliteScanDone(scan SatelliteScan, err error)
}

// Recorder observes scan outcomes and the tiered effort level.
type Recorder interface {
	ScanCompleted(method, outcome string)
	EffortLevel(level int)
}

// Config configures the orchestrator.
type Config struct {
	Policy          Policy
	MinSatellites   int
	MinAccessPoints int
	// MaxAccessPoints caps how many access points are reported, strongest
	// first. Zero keeps all of them.
	MaxAccessPoints int
	// StepDownAfter is the number of consecutive successful tiered cycles
	// before the next cheaper tier is tried again.
	StepDownAfter int
	Assistance    Position
}

// Outcome is returned when a scan completes.
type Outcome struct {
	// Result is set once the cycle is concluded; nil means a follow-up
	// scan was started and its completion is still pending.
	Result   uplink.Result
	Method   Method
	ScanOnly bool
	// Err explains a NoLocation result.
	Err error
}

// Done reports whether the cycle produced its final result.
func (o Outcome) Done() bool {
	return o.Result != nil
}

type cycle struct {
	active   bool
	first    Method
	tried    map[Method]bool
	scanOnly bool
	refTime  uint32
	explicit bool
}

// Orchestrator owns location policy state. All methods must be called from
// the event loop.
type Orchestrator struct {
	cfg      Config
	wifi     WiFiScanner
	sat      SatelliteScanner
	sink     Sink
	recorder Recorder
	logger   logrus.FieldLogger

	level        Method
	successes    int
	cycle        cycle
	ping         PingState
	pingExplicit bool
}

// New creates an orchestrator. Either scanner may be nil when the policy
// never needs it.
func New(cfg Config, wifi WiFiScanner, sat SatelliteScanner, sink Sink, recorder Recorder, logger logrus.FieldLogger) (*Orchestrator, error) {
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("nil scan sink")
	}
	if cfg.MinSatellites <= 0 {
		cfg.MinSatellites = DefaultMinSatellites
	}
	if cfg.MinAccessPoints <= 0 {
		cfg.MinAccessPoints = DefaultMinAccessPoints
	}
	if cfg.StepDownAfter <= 0 {
		cfg.StepDownAfter = DefaultStepDownAfter
	}

	o := &Orchestrator{
		cfg:      cfg,
		wifi:     wifi,
		sat:      sat,
		sink:     sink,
		recorder: recorder,
		logger:   logger,
		level:    MethodPing,
	}
	o.recordLevel()
	return o, nil
}

// Policy returns the active policy.
func (o *Orchestrator) Policy() Policy {
	return o.cfg.Policy
}

// SetPolicy replaces the active policy and resets tier state.
func (o *Orchestrator) SetPolicy(p Policy) error {
	if _, err := ParsePolicy(string(p)); err != nil {
		return err
	}
	if p != o.cfg.Policy {
		o.logger.Infof("Location policy %s -> %s", o.cfg.Policy, p)
	}
	o.cfg.Policy = p
	o.level = MethodPing
	o.successes = 0
	o.recordLevel()
	return nil
}

// Level returns the current tier of the tiered policy.
func (o *Orchestrator) Level() Method {
	return o.level
}

// Busy reports whether a scan cycle is in flight.
func (o *Orchestrator) Busy() bool {
	return o.cycle.active
}

// Plan picks the first method for the next cycle. An explicit effort runs
// alone. Under the tiered policy the cycle starts at the current tier (ping,
// WiFi or satellite); when
// WiFi finds too few usable access points it falls back to satellites in
// the same cycle, and a satellite scan without a fix falls back to WiFi.
// gnss-wifi starts with satellites and falls back to WiFi only.
func (o *Orchestrator) Plan(effort Effort) (Method, error) {
	if effort != EffortDefault {
		return effort.Method()
	}
	switch o.cfg.Policy {
	case PolicyWiFi:
		return MethodWiFi, nil
	case PolicySatellite, PolicySatelliteWiFi:
		return MethodSatellite, nil
	}
	return o.level, nil
}

// Start begins a scan cycle with method. Ping cycles are driven through
// the ping state machine instead.
func (o *Orchestrator) Start(method Method, explicit, scanOnly bool, refTime uint32) error {
	if o.cycle.active {
		return ErrScanInProgress
	}
	o.cycle = cycle{
		active:   true,
		first:    method,
		tried:    map[Method]bool{},
		scanOnly: scanOnly,
		refTime:  refTime,
		explicit: explicit,
	}
	if err := o.scan(method); err != nil {
		o.cycle = cycle{}
		return err
	}
	return nil
}

// Abort drops the in-flight cycle; late completions are ignored.
func (o *Orchestrator) Abort() {
	if o.cycle.active {
		o.logger.Warnf("Aborting %s scan cycle", o.cycle.first)
	}
	o.cycle = cycle{}
}

func (o *Orchestrator) scan(method Method) error {
	o.cycle.tried[method] = true
	switch method {
	case MethodWiFi:
		if o.wifi == nil {
			return errors.Wrap(ErrNoScanner, "wifi")
		}
		o.logger.Debug("Starting WiFi scan")
		return errors.Wrap(o.wifi.ScanWiFi(o.sink.WiFiScanDone), "start wifi scan")
	case MethodSatellite:
		if o.sat == nil {
			return errors.Wrap(ErrNoScanner, "satellite")
		}
		o.logger.Debugf("Starting satellite scan (ref=%d)", o.cycle.refTime)
		return errors.Wrap(o.sat.ScanSatellites(o.cycle.refTime, o.cfg.Assistance, o.sink.SatelliteScanDone), "start satellite scan")
	}
	return errors.Errorf("method %s is not a scan", method)
}

// HandleWiFi consumes a WiFi scan completion.
func (o *Orchestrator) HandleWiFi(raw []AccessPoint, scanErr error) Outcome {
	if !o.cycle.active {
		o.logger.Debug("Ignoring WiFi scan completion outside a cycle")
		return Outcome{}
	}
	if scanErr != nil {
		o.record(MethodWiFi, "error")
		return o.fallback(MethodWiFi, errors.Wrap(scanErr, "wifi scan"))
	}

	aps := o.filterAccessPoints(raw)
	o.logger.Infof("WiFi scan: %d access points, %d usable", len(raw), len(aps))
	if len(aps) < o.cfg.MinAccessPoints {
		o.record(MethodWiFi, "insufficient")
		return o.fallback(MethodWiFi, errors.Wrapf(ErrInsufficientQuality, "%d access points, need %d", len(aps), o.cfg.MinAccessPoints))
	}

	o.record(MethodWiFi, "ok")
	return o.conclude(MethodWiFi, uplink.WiFiResult{AccessPoints: aps}, nil)
}

// HandleSatellite consumes a satellite scan completion.
func (o *Orchestrator) HandleSatellite(scan SatelliteScan, scanErr error) Outcome {
	if !o.cycle.active {
		o.logger.Debug("Ignoring satellite scan completion outside a cycle")
		return Outcome{}
	}
	if scanErr != nil {
		o.record(MethodSatellite, "error")
		return o.fallback(MethodSatellite, errors.Wrap(scanErr, "satellite scan"))
	}

	o.logger.Infof("Satellite scan: %d satellites, %d bytes", scan.Satellites, len(scan.Nav))
	if scan.Satellites < o.cfg.MinSatellites {
		o.record(MethodSatellite, "insufficient")
		return o.fallback(MethodSatellite, errors.Wrapf(ErrInsufficientQuality, "%d satellites, need %d", scan.Satellites, o.cfg.MinSatellites))
	}

	capture := scan.CaptureTime
	if capture == 0 {
		capture = o.cycle.refTime
	}
	o.record(MethodSatellite, "ok")
	return o.conclude(MethodSatellite, uplink.SatelliteResult{
		Nav:         scan.Nav,
		Satellites:  uint8(min(scan.Satellites, 255)),
		CaptureTime: capture,
	}, nil)
}

// fallback starts the next scan method the policy allows, or concludes the
// cycle with NoLocation.
func (o *Orchestrator) fallback(failed Method, cause error) Outcome {
	next := o.nextMethod(failed)
	if next != MethodNone {
		o.logger.Infof("%v; trying %s", cause, next)
		err := o.scan(next)
		if err == nil {
			return Outcome{Method: next, ScanOnly: o.cycle.scanOnly}
		}
		o.logger.Warnf("Fallback to %s failed: %v", next, err)
	}
	o.logger.Warnf("No location this cycle: %v", cause)
	return o.conclude(failed, uplink.NoLocation{}, cause)
}

func (o *Orchestrator) nextMethod(failed Method) Method {
	if o.cycle.explicit {
		return MethodNone
	}
	var candidate Method
	switch {
	case failed == MethodSatellite && o.cfg.Policy == PolicySatelliteWiFi:
		candidate = MethodWiFi
	case o.cfg.Policy == PolicyTiered && failed == MethodWiFi:
		candidate = MethodSatellite
	case o.cfg.Policy == PolicyTiered && failed == MethodSatellite:
		candidate = MethodWiFi
	default:
		return MethodNone
	}
	if o.cycle.tried[candidate] {
		return MethodNone
	}
	return candidate
}

func (o *Orchestrator) conclude(method Method, result uplink.Result, cause error) Outcome {
	out := Outcome{Result: result, Method: method, ScanOnly: o.cycle.scanOnly, Err: cause}
	if o.cfg.Policy == PolicyTiered && !o.cycle.explicit {
		highest := MethodNone
		for m := range o.cycle.tried {
			if m > highest {
				highest = m
			}
		}
		o.adjustTier(cause == nil, method, highest)
	}
	o.cycle = cycle{}
	return out
}

// adjustTier escalates after a failed cycle and steps down one tier after
// StepDownAfter consecutive successes.
func (o *Orchestrator) adjustTier(ok bool, method, highest Method) {
	prev := o.level
	if !ok {
		o.successes = 0
		o.level = min(highest+1, MethodSatellite)
	} else {
		if method > o.level {
			o.level = method
			o.successes = 0
		}
		o.successes++
		if o.successes >= o.cfg.StepDownAfter && o.level > MethodPing {
			o.level--
			o.successes = 0
		}
	}
	if o.level != prev {
		o.logger.Infof("Location tier %s -> %s", prev, o.level)
	}
	o.recordLevel()
}

func (o *Orchestrator) filterAccessPoints(raw []AccessPoint) []uplink.AccessPoint {
	usable := make([]AccessPoint, 0, len(raw))
	for _, ap := range raw {
		if ap.Mobile {
			o.logger.Debugf("Skipping mobile access point %x", ap.MAC)
			continue
		}
		usable = append(usable, ap)
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].RSSI > usable[j].RSSI })
	if o.cfg.MaxAccessPoints > 0 && len(usable) > o.cfg.MaxAccessPoints {
		usable = usable[:o.cfg.MaxAccessPoints]
	}

	out := make([]uplink.AccessPoint, len(usable))
	for i, ap := range usable {
		out[i] = uplink.AccessPoint{MAC: ap.MAC, RSSI: ap.RSSI}
	}
	return out
}

func (o *Orchestrator) record(method Method, outcome string) {
	if o.recorder != nil {
		o.recorder.ScanCompleted(method.String(), outcome)
	}
}

func (o *Orchestrator) recordLevel() {
	if o.recorder != nil {
		o.recorder.EffortLevel(int(o.level.Effort()))
	}
}
