package location

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"asset-tracker/internal/uplink"
)

type fakeWiFi struct {
	scans int
	err   error
}

func (f *fakeWiFi) ScanWiFi(done func([]AccessPoint, error)) error {
	f.scans++
	return f.err
}

type fakeSatellite struct {
	scans   int
	refTime uint32
}

func (f *fakeSatellite) ScanSatellites(refTime uint32, assist Position, done func(SatelliteScan, error)) error {
	f.scans++
	f.refTime = refTime
	return nil
}

type nopSink struct{}

func (nopSink) WiFiScanDone([]AccessPoint, error) {}

func (nopSink) SatelliteScanDone(SatelliteScan, error) {}

type recorder struct {
	scans  map[string]int
	levels []int
}

func (r *recorder) ScanCompleted(method, outcome string) {
	if r.scans == nil {
		r.scans = map[string]int{}
	}
	r.scans[method+"/"+outcome]++
}

func (r *recorder) EffortLevel(level int) { r.levels = append(r.levels, level) }

func newOrchestrator(t *testing.T, policy Policy) (*Orchestrator, *fakeWiFi, *fakeSatellite, *recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	wifi := &fakeWiFi{}
	sat := &fakeSatellite{}
	rec := &recorder{}
	o, err := New(Config{Policy: policy, MaxAccessPoints: DefaultMaxAccessPoints}, wifi, sat, nopSink{}, rec, logger)
	require.NoError(t, err)
	return o, wifi, sat, rec
}

func ap(last byte, rssi int8) AccessPoint {
	return AccessPoint{MAC: [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, last}, RSSI: rssi}
}

func TestParsePolicy(t *testing.T) {
	for _, in := range []string{"wifi", "gnss", "GNSS-WiFi", "tiered"} {
		_, err := ParsePolicy(in)
		require.NoError(t, err, in)
	}
	_, err := ParsePolicy("lora")
	require.Error(t, err)
}

func TestEffortMethod(t *testing.T) {
	tests := []struct {
		effort  Effort
		want    Method
		wantErr bool
	}{
		{EffortPing, MethodPing, false},
		{EffortLongRange, MethodNone, true},
		{EffortWiFi, MethodWiFi, false},
		{EffortSatellite, MethodSatellite, false},
		{Effort(5), MethodNone, true},
	}
	for _, tt := range tests {
		got, err := tt.effort.Method()
		if tt.wantErr {
			require.True(t, errors.Is(err, ErrUnsupportedEffort))
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.effort, got.Effort())
	}
}

func TestSatelliteFallsBackToWiFi(t *testing.T) {
	o, wifi, sat, _ := newOrchestrator(t, PolicySatelliteWiFi)

	method, err := o.Plan(EffortDefault)
	require.NoError(t, err)
	require.Equal(t, MethodSatellite, method)
	require.NoError(t, o.Start(method, false, false, 1234))
	require.Equal(t, uint32(1234), sat.refTime)

	out := o.HandleSatellite(SatelliteScan{Satellites: 3, Nav: []byte{1, 2}}, nil)
	require.False(t, out.Done(), "insufficient satellites must trigger a wifi scan, not an uplink")
	require.Equal(t, MethodWiFi, out.Method)
	require.Equal(t, 1, wifi.scans)
	require.True(t, o.Busy())

	out = o.HandleWiFi([]AccessPoint{ap(1, -60), ap(2, -50), ap(3, -70)}, nil)
	require.True(t, out.Done())
	res, ok := out.Result.(uplink.WiFiResult)
	require.True(t, ok)
	require.Len(t, res.AccessPoints, 3)
	require.Equal(t, int8(-50), res.AccessPoints[0].RSSI, "strongest first")
	require.False(t, o.Busy())
}

func TestSatelliteOnlyDegradesToNoLocation(t *testing.T) {
	o, wifi, _, rec := newOrchestrator(t, PolicySatellite)
	require.NoError(t, o.Start(MethodSatellite, false, false, 0))

	out := o.HandleSatellite(SatelliteScan{Satellites: 4}, nil)
	require.True(t, out.Done())
	require.Equal(t, uplink.NoLocation{}, out.Result)
	require.True(t, errors.Is(out.Err, ErrInsufficientQuality))
	require.Zero(t, wifi.scans)
	require.Equal(t, 1, rec.scans["satellite/insufficient"])
}

func TestSatelliteSuccess(t *testing.T) {
	o, _, _, _ := newOrchestrator(t, PolicySatellite)
	require.NoError(t, o.Start(MethodSatellite, false, false, 99))

	out := o.HandleSatellite(SatelliteScan{Satellites: 7, Nav: []byte{9, 8, 7}}, nil)
	require.True(t, out.Done())
	require.Equal(t, uplink.SatelliteResult{Nav: []byte{9, 8, 7}, Satellites: 7, CaptureTime: 99}, out.Result)
}

func TestWiFiFiltersMobileAccessPoints(t *testing.T) {
	o, _, sat, _ := newOrchestrator(t, PolicyWiFi)
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))

	mobile := ap(9, -30)
	mobile.Mobile = true
	out := o.HandleWiFi([]AccessPoint{mobile, ap(1, -60)}, nil)
	require.True(t, out.Done())
	require.Equal(t, uplink.NoLocation{}, out.Result)
	require.True(t, errors.Is(out.Err, ErrInsufficientQuality))
	require.Zero(t, sat.scans)
}

func TestWiFiCapsAccessPoints(t *testing.T) {
	o, _, _, _ := newOrchestrator(t, PolicyWiFi)
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))

	out := o.HandleWiFi([]AccessPoint{ap(1, -80), ap(2, -40), ap(3, -60), ap(4, -50), ap(5, -70), ap(6, -90)}, nil)
	res := out.Result.(uplink.WiFiResult)
	require.Len(t, res.AccessPoints, DefaultMaxAccessPoints)
	for i, want := range []int8{-40, -50, -60, -70} {
		require.Equal(t, want, res.AccessPoints[i].RSSI)
	}
}

func TestScanErrorDegrades(t *testing.T) {
	o, _, _, rec := newOrchestrator(t, PolicyWiFi)
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))

	out := o.HandleWiFi(nil, errors.New("device busy"))
	require.True(t, out.Done())
	require.Equal(t, uplink.NoLocation{}, out.Result)
	require.Equal(t, 1, rec.scans["wifi/error"])
}

func TestStartWhileBusy(t *testing.T) {
	o, _, _, _ := newOrchestrator(t, PolicyWiFi)
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))
	require.True(t, errors.Is(o.Start(MethodWiFi, false, false, 0), ErrScanInProgress))

	o.Abort()
	out := o.HandleWiFi([]AccessPoint{ap(1, -50), ap(2, -50)}, nil)
	require.False(t, out.Done(), "completions after abort are ignored")
}

func TestStartScannerError(t *testing.T) {
	o, wifi, _, _ := newOrchestrator(t, PolicyWiFi)
	wifi.err = errors.New("interface down")
	require.Error(t, o.Start(MethodWiFi, false, false, 0))
	require.False(t, o.Busy())
}

func TestExplicitEffortDoesNotFallBack(t *testing.T) {
	o, wifi, _, _ := newOrchestrator(t, PolicySatelliteWiFi)
	require.NoError(t, o.Start(MethodSatellite, true, true, 0))

	out := o.HandleSatellite(SatelliteScan{Satellites: 1}, nil)
	require.True(t, out.Done())
	require.True(t, out.ScanOnly)
	require.Zero(t, wifi.scans)
}

func TestTieredEscalation(t *testing.T) {
	o, wifi, sat, rec := newOrchestrator(t, PolicyTiered)

	method, err := o.Plan(EffortDefault)
	require.NoError(t, err)
	require.Equal(t, MethodPing, method, "tiered starts at the cheapest tier")

	// failed ping escalates the next cycle
	_, err = o.BeginPing(false)
	require.NoError(t, err)
	require.True(t, o.FailPing(errors.New("no gateway")))
	o.FinishPing()
	require.Equal(t, MethodWiFi, o.Level())

	// insufficient wifi escalates within the cycle
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))
	out := o.HandleWiFi([]AccessPoint{ap(1, -50)}, nil)
	require.False(t, out.Done())
	require.Equal(t, MethodSatellite, out.Method)
	require.Equal(t, 1, sat.scans)

	out = o.HandleSatellite(SatelliteScan{Satellites: 8, Nav: []byte{1}}, nil)
	require.True(t, out.Done())
	require.Equal(t, MethodSatellite, o.Level())

	// consecutive successes step down one tier
	for i := 1; i < DefaultStepDownAfter; i++ {
		require.NoError(t, o.Start(MethodSatellite, false, false, 0))
		o.HandleSatellite(SatelliteScan{Satellites: 8}, nil)
	}
	require.Equal(t, MethodWiFi, o.Level())
	require.Equal(t, 1, wifi.scans)
	require.Equal(t, int(EffortWiFi), rec.levels[len(rec.levels)-1])
}

func TestTieredSatelliteFailureAfterWiFi(t *testing.T) {
	o, _, _, _ := newOrchestrator(t, PolicyTiered)
	require.NoError(t, o.SetPolicy(PolicyTiered))

	require.NoError(t, o.Start(MethodWiFi, false, false, 0))
	o.HandleWiFi(nil, nil)
	out := o.HandleSatellite(SatelliteScan{Satellites: 2}, nil)
	require.True(t, out.Done(), "wifi was already tried this cycle")
	require.Equal(t, uplink.NoLocation{}, out.Result)
	require.Equal(t, MethodSatellite, o.Level())
}

func TestFallbackOrder(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		first  Method
		want   Method
	}{
		{"tiered wifi to satellite", PolicyTiered, MethodWiFi, MethodSatellite},
		{"tiered satellite to wifi", PolicyTiered, MethodSatellite, MethodWiFi},
		{"gnss-wifi satellite to wifi", PolicySatelliteWiFi, MethodSatellite, MethodWiFi},
		{"gnss-wifi wifi is final", PolicySatelliteWiFi, MethodWiFi, MethodNone},
		{"wifi only", PolicyWiFi, MethodWiFi, MethodNone},
		{"gnss only", PolicySatellite, MethodSatellite, MethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _, _ := newOrchestrator(t, tt.policy)
			require.NoError(t, o.Start(tt.first, false, false, 0))

			var out Outcome
			if tt.first == MethodWiFi {
				out = o.HandleWiFi([]AccessPoint{ap(1, -50)}, nil)
			} else {
				out = o.HandleSatellite(SatelliteScan{Satellites: 2}, nil)
			}
			if tt.want == MethodNone {
				require.True(t, out.Done())
				return
			}
			require.False(t, out.Done())
			require.Equal(t, tt.want, out.Method)
		})
	}
}

func TestPingStateMachine(t *testing.T) {
	o, _, _, rec := newOrchestrator(t, PolicyTiered)

	want := []PingState{PingLinkNarrowing, PingAwaitingLinkUp, PingPinging, PingRestoring, PingIdle}
	state, err := o.BeginPing(true)
	require.NoError(t, err)
	require.Equal(t, want[0], state)
	for _, w := range want[1:] {
		state, err = o.AdvancePing()
		require.NoError(t, err)
		require.Equal(t, w, state)
	}
	require.False(t, o.PingActive())
	require.Equal(t, 1, rec.scans["ping/ok"])
	require.Equal(t, MethodPing, o.Level(), "explicit pings leave the tier alone")

	_, err = o.BeginPing(false)
	require.NoError(t, err)
	_, err = o.BeginPing(false)
	require.True(t, errors.Is(err, ErrPingTransition))

	require.True(t, o.FailPing(errors.New("switch failed")))
	require.Equal(t, PingRestoring, o.PingState())
	require.True(t, o.FailPing(errors.New("again")))
	o.FinishPing()
	require.Equal(t, PingIdle, o.PingState())
	require.False(t, o.FailPing(errors.New("idle")))
}

func TestPingRejectedDuringScan(t *testing.T) {
	o, _, _, _ := newOrchestrator(t, PolicyWiFi)
	require.NoError(t, o.Start(MethodWiFi, false, false, 0))
	_, err := o.BeginPing(true)
	require.True(t, errors.Is(err, ErrScanInProgress))
	require.Equal(t, PingIdle, o.PingState())
}

func TestIsLocallyAdministered(t *testing.T) {
	require.True(t, IsLocallyAdministered([6]byte{0x02}))
	require.True(t, IsLocallyAdministered([6]byte{0xDA}))
	require.False(t, IsLocallyAdministered([6]byte{0x00, 0x02}))
}
