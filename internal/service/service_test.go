package service

import (
	"context"
	"flag"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"asset-tracker/internal/config"
	"asset-tracker/internal/health"
	"asset-tracker/internal/location"
	"asset-tracker/internal/metrics"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/radio/simstack"
	"asset-tracker/internal/shell"
	"asset-tracker/internal/uplink"
	"asset-tracker/internal/wifi"
)

type fakePublisher struct {
	mu        sync.Mutex
	states    map[string]interface{}
	locations []map[string]interface{}
	downlinks []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{states: map[string]interface{}{}}
}

func (p *fakePublisher) PublishState(_ context.Context, field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[field] = value
	return nil
}

func (p *fakePublisher) PublishStates(_ context.Context, fields map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range fields {
		p.states[k] = v
	}
	return nil
}

func (p *fakePublisher) PublishLocation(_ context.Context, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = append(p.locations, data)
	return nil
}

func (p *fakePublisher) PublishDownlink(_ context.Context, payloadHex string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downlinks = append(p.downlinks, payloadHex)
	return nil
}

func (p *fakePublisher) state(field string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[field]
}

func (p *fakePublisher) lastLocation() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.locations) == 0 {
		return nil
	}
	return p.locations[len(p.locations)-1]
}

type fakeWiFi struct {
	aps   []location.AccessPoint
	calls int
}

func (f *fakeWiFi) ScanWiFi(done func([]location.AccessPoint, error)) error {
	f.calls++
	done(f.aps, nil)
	return nil
}

type fakeSatellite struct {
	scan location.SatelliteScan
}

func (f *fakeSatellite) ScanSatellites(_ uint32, _ location.Position, done func(location.SatelliteScan, error)) error {
	done(f.scan, nil)
	return nil
}

// flakyStack fails the send with the given ordinal.
type flakyStack struct {
	*simstack.Stack
	sends  int
	failAt int
}

func (f *flakyStack) Send(h *radio.Handle, payload []byte, desc *radio.Descriptor) error {
	f.sends++
	if f.sends == f.failAt {
		f.Stack.FailSends(1)
	}
	return f.Stack.Send(h, payload, desc)
}

type brokenStack struct {
	*simstack.Stack
	fail bool
}

func (b *brokenStack) Start(h *radio.Handle, links radio.LinkMask) error {
	if b.fail {
		return radio.ErrStack
	}
	return b.Stack.Start(h, links)
}

type fakeRecoverer struct {
	calls int32
}

func (f *fakeRecoverer) Recover() error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

func accessPoints(rssi ...int8) []location.AccessPoint {
	aps := make([]location.AccessPoint, len(rssi))
	for i, r := range rssi {
		aps[i] = location.AccessPoint{MAC: [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, byte(i + 1)}, RSSI: r}
	}
	return aps
}

func simStack(connectDelay time.Duration) *simstack.Stack {
	logger, _ := test.NewNullLogger()
	return simstack.New(simstack.Options{ConnectDelay: connectDelay}, logger)
}

func newTestService(t *testing.T, deps Deps, args ...string) *Service {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Register(fs)
	base := []string{"-first-scan-delay", "1h", "-button-scan-delay", "1h", "-scan-interval", "1h"}
	require.NoError(t, fs.Parse(append(base, args...)))

	if deps.Stack == nil {
		deps.Stack = simStack(time.Millisecond)
	}
	logger, _ := test.NewNullLogger()
	s, err := New(cfg, deps, logger, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		s.scanTimer.Stop()
		s.mgr.Close()
	})
	return s
}

// settle dispatches events until the queue is empty and cond holds.
func settle(t *testing.T, s *Service, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := s.queue.TryNext(); ok {
			s.dispatch(e)
			continue
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("service did not settle (app %s, stack %s, ping %s)", s.appCtx.App, s.mgr.State(), s.orch.PingState())
}

func boot(t *testing.T, s *Service) {
	t.Helper()
	s.boot()
	settle(t, s, func() bool { return s.appCtx.App == AppRun && !s.mgr.Running() })
}

func uplinkDone(s *Service, pub *fakePublisher, outcome string) func() bool {
	return func() bool {
		return pub.state("uplink") == outcome && !s.mgr.Running() && s.idle()
	}
}

func TestBootStopsStackAfterReady(t *testing.T) {
	pub := newFakePublisher()
	s := newTestService(t, Deps{Publisher: pub})
	boot(t, s)

	require.True(t, s.mgr.Initialized())
	require.True(t, s.scanTimer.Armed())
	require.Equal(t, "run", pub.state("app-state"))
	require.Equal(t, "lora", pub.state("link"))
}

func TestWiFiUplinkFragments(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	aps := accessPoints(-40, -50, -60, -70, -80)
	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: aps},
		Publisher: pub,
		Metrics:   m,
	}, "-policy", "wifi", "-max-aps", "0")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "ok"))

	sent := stack.Sent()
	require.Len(t, sent, 3)
	_, total, idx := uplink.ParseHeader(sent[2][0])
	require.Equal(t, 3, total)
	require.Equal(t, uplink.FinalIndex, idx)

	msg, err := uplink.Decode(sent)
	require.NoError(t, err)
	require.Equal(t, uplink.TypeWiFi, msg.Type)
	require.Len(t, msg.AccessPoints, 5)
	for i, ap := range msg.AccessPoints {
		require.Equal(t, aps[i].MAC, ap.MAC)
		require.Equal(t, aps[i].RSSI, ap.RSSI)
	}

	require.Equal(t, 3, pub.state("uplink-fragments"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Uplinks.WithLabelValues("ok")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.FragmentsSent))
	require.Equal(t, 0, s.appCtx.TotalFragments)
}

func TestSatelliteFallsBackToWiFi(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-45, -55)},
		Satellite: &fakeSatellite{scan: location.SatelliteScan{Satellites: 3, Nav: []byte{0x01, 0x02}}},
		Publisher: pub,
		Metrics:   m,
	}, "-policy", "gnss-wifi")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "ok"))

	msg, err := uplink.Decode(stack.Sent())
	require.NoError(t, err)
	require.Equal(t, uplink.TypeWiFi, msg.Type)
	require.Len(t, msg.AccessPoints, 2)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Scans.WithLabelValues("satellite", "insufficient")))
	require.Equal(t, "wifi", pub.lastLocation()["method"])
}

func TestSatelliteUplink(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	nav := make([]byte, 30)
	for i := range nav {
		nav[i] = byte(i)
	}
	s := newTestService(t, Deps{
		Stack:     stack,
		Satellite: &fakeSatellite{scan: location.SatelliteScan{Satellites: 6, Nav: nav, CaptureTime: 1234}},
		Publisher: pub,
	}, "-policy", "gnss")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "ok"))

	msg, err := uplink.Decode(stack.Sent())
	require.NoError(t, err)
	require.Equal(t, uplink.TypeSatellite, msg.Type)
	require.Equal(t, nav, msg.Nav)
	require.Equal(t, uint32(1234), msg.CaptureTime)
}

func TestTooFewAccessPointsSendsNoLocation(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-60)},
		Publisher: pub,
	}, "-policy", "wifi")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "ok"))

	sent := stack.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], uplink.SensorBlockSize)
	require.Equal(t, uplink.Header(uplink.TypeNoLocation, 0, 0), sent[0][0])
	require.Equal(t, "no-location", pub.lastLocation()["result"])
}

func TestSendErrorAbortsUplink(t *testing.T) {
	stack := &flakyStack{Stack: simStack(time.Millisecond), failAt: 2}
	pub := newFakePublisher()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-40, -45, -50, -55, -60, -65, -70)},
		Publisher: pub,
		Metrics:   m,
	}, "-policy", "wifi", "-max-aps", "0")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "aborted"))

	require.Len(t, stack.Sent(), 1)
	require.Equal(t, 1, pub.state("uplink-fragments"))
	require.Equal(t, 0, s.appCtx.TotalFragments)
	require.Equal(t, 0, s.appCtx.CurrentFragment)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Uplinks.WithLabelValues("aborted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StackErrors.WithLabelValues("send")))
}

func TestBLEConnectionTimeoutAbortsUplink(t *testing.T) {
	stack := simStack(-1)
	pub := newFakePublisher()
	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-40, -50)},
		Publisher: pub,
	}, "-policy", "wifi", "-link", "ble", "-conn-timeout", "50ms", "-conn-poll", "1ms")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "aborted"))

	require.Empty(t, stack.Sent())
	require.Equal(t, 0, pub.state("uplink-fragments"))
	require.False(t, s.appCtx.BLELocationPending)
}

func TestBLEUplinkAfterConnection(t *testing.T) {
	stack := simStack(2 * time.Millisecond)
	pub := newFakePublisher()
	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-40, -50)},
		Publisher: pub,
	}, "-policy", "wifi", "-link", "ble", "-conn-poll", "1ms")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, uplinkDone(s, pub, "ok"))
	require.Len(t, stack.Sent(), 1)
}

func TestProximityPing(t *testing.T) {
	stack := simStack(2 * time.Millisecond)
	pub := newFakePublisher()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newTestService(t, Deps{Stack: stack, Publisher: pub, Metrics: m},
		"-policy", "tiered", "-conn-poll", "1ms")
	boot(t, s)
	require.Equal(t, location.MethodPing, s.orch.Level())

	s.startCycle(location.EffortDefault, false)
	settle(t, s, func() bool {
		return testutil.ToFloat64(m.Scans.WithLabelValues("ping", "ok")) == 1 &&
			!s.orch.PingActive() && !s.appCtx.RestorePending && !s.mgr.Running()
	})

	require.Equal(t, [][]byte{uplink.ProximityPing}, stack.Sent())
	require.Equal(t, radio.LinkLoRa, s.mgr.ActiveLink())
	require.Equal(t, radio.LinkBLE|radio.LinkLoRa, s.mgr.ConfiguredLinks())
	require.False(t, s.mgr.Narrowed())
	require.Equal(t, "ping", pub.lastLocation()["method"])
	require.Equal(t, "lora", pub.state("link"))
}

func TestProximityPingTimeoutRestoresLinks(t *testing.T) {
	stack := simStack(-1)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newTestService(t, Deps{Stack: stack, Metrics: m},
		"-policy", "tiered", "-conn-timeout", "50ms", "-conn-poll", "1ms")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, func() bool {
		return testutil.ToFloat64(m.Scans.WithLabelValues("ping", "error")) == 1 &&
			!s.orch.PingActive() && !s.appCtx.RestorePending && !s.mgr.Running()
	})

	require.Empty(t, stack.Sent())
	require.False(t, s.appCtx.BLELocationPending)
	require.False(t, s.mgr.Narrowed())
	require.Equal(t, radio.LinkLoRa, s.mgr.ActiveLink())
	require.Equal(t, location.MethodWiFi, s.orch.Level(), "failed ping escalates the tier")
}

func TestCommands(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	scanner := &fakeWiFi{aps: accessPoints(-40, -50, -60)}
	s := newTestService(t, Deps{Stack: stack, WiFi: scanner, Publisher: pub})
	boot(t, s)

	for _, line := range []string{"", "launch", "location send 2", "link ble|lora", "workshop mac 3 aa:bb:cc:dd:ee:ff -50"} {
		err := s.HandleCommand(line)
		require.Error(t, err, line)
		require.True(t, errors.Is(err, shell.ErrConfiguration), line)
	}
	require.Equal(t, 0, s.queue.Len())

	require.NoError(t, s.HandleCommand("location scan 3"))
	settle(t, s, func() bool { return pub.lastLocation() != nil && !s.mgr.Running() && s.idle() })
	require.Empty(t, stack.Sent(), "scan-only cycles do not transmit")
	require.Equal(t, "true", pub.lastLocation()["scan-only"])
	require.Equal(t, 3, pub.lastLocation()["access-points"])
	require.Equal(t, 1, scanner.calls)

	require.NoError(t, s.HandleCommand("location status"))
	settle(t, s, func() bool { return pub.state("ping-state") != nil })
	require.Equal(t, "idle", pub.state("ping-state"))
	require.Equal(t, "gnss-wifi", pub.state("policy"))

	require.NoError(t, s.HandleCommand("LINK BLE"))
	settle(t, s, func() bool { return s.mgr.ActiveLink() == radio.LinkBLE })

	require.NoError(t, s.HandleCommand("location send 3"))
	settle(t, s, uplinkDone(s, pub, "ok"))
	require.Len(t, stack.Sent(), 2, "three access points need two fragments")
}

func TestWorkshopMode(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	live := &fakeWiFi{aps: accessPoints(-40, -50)}
	static := wifi.NewStatic(nil)
	static.SetJitter(0)
	sel := wifi.NewSelector(live, static)

	s := newTestService(t, Deps{Stack: stack, WiFi: live, Workshop: sel, Publisher: pub},
		"-links", "lora", "-link", "lora")
	boot(t, s)

	require.NoError(t, s.HandleCommand("workshop mac 1 AA:BB:CC:DD:EE:01 -55"))
	require.NoError(t, s.HandleCommand("workshop enable"))
	settle(t, s, func() bool { return sel.Workshop() })
	require.Equal(t, location.PolicyWiFi, s.orch.Policy())
	require.Equal(t, "true", pub.state("workshop"))

	require.NoError(t, s.HandleCommand("location send"))
	settle(t, s, uplinkDone(s, pub, "ok"))

	msg, err := uplink.Decode(stack.Sent())
	require.NoError(t, err)
	require.Len(t, msg.AccessPoints, wifi.StaticSlots)
	require.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, msg.AccessPoints[0].MAC)
	require.Equal(t, int8(-55), msg.AccessPoints[0].RSSI)
	require.Equal(t, 0, live.calls)

	require.NoError(t, s.HandleCommand("workshop disable"))
	settle(t, s, func() bool { return !sel.Workshop() })
	require.Equal(t, location.PolicySatelliteWiFi, s.orch.Policy())
}

func TestWorkshopFlagMatchesWorkshopEnable(t *testing.T) {
	newWorkshop := func(args ...string) (*Service, *wifi.Selector, *fakePublisher) {
		pub := newFakePublisher()
		sel := wifi.NewSelector(&fakeWiFi{aps: accessPoints(-40, -50)}, wifi.NewStatic(nil))
		s := newTestService(t, Deps{Workshop: sel, Publisher: pub}, args...)
		boot(t, s)
		return s, sel, pub
	}

	atStart, startSel, startPub := newWorkshop("-workshop")
	require.True(t, startSel.Workshop())
	require.Equal(t, location.PolicyWiFi, atStart.orch.Policy())
	require.Equal(t, radio.LinkBLE, atStart.mgr.ActiveLink())
	require.Equal(t, "true", startPub.state("workshop"))
	require.Equal(t, "ble", startPub.state("link"))

	byCommand, cmdSel, _ := newWorkshop()
	require.NoError(t, byCommand.HandleCommand("workshop enable"))
	settle(t, byCommand, func() bool { return cmdSel.Workshop() })

	require.Equal(t, byCommand.orch.Policy(), atStart.orch.Policy())
	require.Equal(t, byCommand.mgr.ActiveLink(), atStart.mgr.ActiveLink())
}

func TestWorkshopStatus(t *testing.T) {
	pub := newFakePublisher()
	sel := wifi.NewSelector(&fakeWiFi{aps: accessPoints(-40, -50)}, wifi.NewStatic(nil))
	s := newTestService(t, Deps{Workshop: sel, Publisher: pub})
	boot(t, s)

	require.NoError(t, s.HandleCommand("workshop mac 2 aa:bb:cc:dd:ee:02 -70"))
	require.NoError(t, s.HandleCommand("workshop status"))
	settle(t, s, func() bool { return pub.state("workshop-ap2") != nil })

	require.Equal(t, "false", pub.state("workshop"))
	require.Equal(t, "00:1a:2b:3c:4d:01 -50", pub.state("workshop-ap1"))
	require.Equal(t, "aa:bb:cc:dd:ee:02 -70", pub.state("workshop-ap2"))
}

func TestLongPressTogglesLink(t *testing.T) {
	pub := newFakePublisher()
	s := newTestService(t, Deps{Publisher: pub})
	boot(t, s)

	s.Post(Event{Kind: EventLongPress})
	settle(t, s, func() bool { return s.mgr.ActiveLink() == radio.LinkBLE })
	require.Equal(t, "ble", pub.state("link"))

	s.Post(Event{Kind: EventLongPress})
	settle(t, s, func() bool { return s.mgr.ActiveLink() == radio.LinkLoRa })
	require.Equal(t, "lora", pub.state("link"))
}

func TestDownlinkIsPublished(t *testing.T) {
	stack := simStack(time.Millisecond)
	pub := newFakePublisher()
	s := newTestService(t, Deps{Stack: stack, Publisher: pub})
	boot(t, s)

	stack.DeliverDownlink(radio.LinkLoRa, []byte{0xca, 0xfe})
	settle(t, s, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.downlinks) == 1
	})
	require.Equal(t, "cafe", pub.downlinks[0])
}

func TestRepeatedStartFailuresTriggerRecovery(t *testing.T) {
	stack := &brokenStack{Stack: simStack(time.Millisecond), fail: true}
	rec := &fakeRecoverer{}
	pub := newFakePublisher()
	s := newTestService(t, Deps{Stack: stack, Recovery: rec, Publisher: pub})

	s.boot()
	require.Equal(t, health.StateDegraded, s.health.Current())
	for i := 1; i < health.MaxConsecutiveFailures; i++ {
		s.dispatch(Event{Kind: EventStackStart})
	}
	settle(t, s, func() bool { return atomic.LoadInt32(&rec.calls) == 1 && !s.mgr.Initialized() })
	require.Equal(t, health.StateDegraded, s.health.Current())

	stack.fail = false
	s.dispatch(Event{Kind: EventStackStart})
	require.True(t, s.mgr.Running())
	require.Equal(t, health.StateNormal, s.health.Current())
	require.Equal(t, health.StateNormal, pub.state("health"))
}

func TestScanDueWhileBusyAbortsStalledCycle(t *testing.T) {
	stack := simStack(-1)
	pub := newFakePublisher()
	s := newTestService(t, Deps{
		Stack:     stack,
		WiFi:      &fakeWiFi{aps: accessPoints(-40, -50)},
		Publisher: pub,
	}, "-policy", "wifi", "-link", "ble", "-conn-timeout", "1h", "-conn-poll", "1ms")
	boot(t, s)

	s.startCycle(location.EffortDefault, false)
	settle(t, s, func() bool { return s.appCtx.PendingScan != nil && s.queue.Len() == 0 })

	s.handleScanDue()
	require.Equal(t, 1, s.appCtx.busyTicks)
	s.handleScanDue()
	settle(t, s, uplinkDone(s, pub, "aborted"))
	require.Equal(t, 0, s.appCtx.busyTicks)
}
