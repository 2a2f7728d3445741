package sensors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fixedBattery struct {
	pct float64
	err error
}

func (f fixedBattery) BatteryPercent() (float64, error) { return f.pct, f.err }

type fixedClimate struct{ temp, hum float64 }

func (f fixedClimate) Climate() (float64, float64, error) { return f.temp, f.hum, nil }

type fixedMotion struct{ x, y, z float64 }

func (f fixedMotion) Acceleration() (float64, float64, float64, error) { return f.x, f.y, f.z, nil }

// scriptedMotion returns its samples in order, then fails.
type scriptedMotion struct {
	samples [][3]float64
}

func (m *scriptedMotion) Acceleration() (float64, float64, float64, error) {
	if len(m.samples) == 0 {
		return 0, 0, 0, errors.New("no sample")
	}
	v := m.samples[0]
	m.samples = m.samples[1:]
	return v[0], v[1], v[2], nil
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestProbeRead(t *testing.T) {
	p := NewProbe(fixedBattery{pct: 83.6}, fixedClimate{21.5, 40}, fixedMotion{0, 0, StandardGravity}, 2)

	s, err := p.Read()
	require.NoError(t, err)
	require.Equal(t, uint8(84), s.Battery)
	require.Equal(t, 21.5, s.Temperature)
	require.Equal(t, 40.0, s.Humidity)
	require.False(t, s.Motion)
	require.InDelta(t, StandardGravity, s.PeakAccel, 1e-9)
}

func TestProbeMotion(t *testing.T) {
	p := NewProbe(nil, nil, fixedMotion{-6, 3, 14}, 2)
	s, err := p.Read()
	require.NoError(t, err)
	require.True(t, s.Motion)
	require.Equal(t, 14.0, s.PeakAccel)
}

func TestProbePeakBetweenReads(t *testing.T) {
	motion := &scriptedMotion{samples: [][3]float64{
		{0, 0, StandardGravity},
		{0, 18, 4},
		{0, 0, -11},
		{0, 0, StandardGravity},
		{1, 0, StandardGravity},
		{0, 0, StandardGravity},
	}}
	p := NewProbe(nil, nil, motion, 2)

	require.NoError(t, p.Sample())
	require.NoError(t, p.Sample())
	require.NoError(t, p.Sample())
	s, err := p.Read()
	require.NoError(t, err)
	require.Equal(t, 18.0, s.PeakAccel, "peak covers samples since the last read")
	require.True(t, s.Motion)

	s, err = p.Read()
	require.NoError(t, err)
	require.InDelta(t, StandardGravity, s.PeakAccel, 1e-9, "peak resets after a read")
	require.False(t, s.Motion)

	require.NoError(t, p.Sample())
	s, err = p.Read()
	require.Error(t, err)
	require.InDelta(t, StandardGravity, s.PeakAccel, 1e-9, "sample before a failed read still counts")

	s, err = p.Read()
	require.Error(t, err)
	require.InDelta(t, StandardGravity, s.PeakAccel, 1e-9, "no samples keeps the previous value")
}

func TestProbeKeepsLastValueOnError(t *testing.T) {
	battery := &fixedBattery{pct: 50}
	p := NewProbe(battery, nil, nil, 2)
	_, err := p.Read()
	require.NoError(t, err)

	battery.err = errors.New("bus gone")
	s, err := p.Read()
	require.Error(t, err)
	require.Equal(t, uint8(50), s.Battery)
}

func TestProbeClampsBattery(t *testing.T) {
	p := NewProbe(fixedBattery{pct: 130}, nil, nil, 0)
	s, _ := p.Read()
	require.Equal(t, uint8(100), s.Battery)
}

func TestHwmon(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"temp1_input":     "23450\n",
		"humidity1_input": "51200\n",
	})

	temp, hum, err := Hwmon{Dir: dir}.Climate()
	require.NoError(t, err)
	require.InDelta(t, 23.45, temp, 1e-9)
	require.InDelta(t, 51.2, hum, 1e-9)

	_, _, err = Hwmon{Dir: filepath.Join(dir, "missing")}.Climate()
	require.Error(t, err)
}

func TestIIOAccel(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"in_accel_scale": "0.5",
		"in_accel_x_raw": "2",
		"in_accel_y_raw": "-4",
		"in_accel_z_raw": "20",
	})

	x, y, z, err := IIOAccel{Dir: dir}.Acceleration()
	require.NoError(t, err)
	require.Equal(t, []float64{1, -2, 10}, []float64{x, y, z})

	writeFiles(t, dir, map[string]string{"in_accel_z_raw": "n/a"})
	_, _, _, err = IIOAccel{Dir: dir}.Acceleration()
	require.Error(t, err)
}
