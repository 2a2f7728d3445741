// Package sensors collects the environmental snapshot sent with every
// uplink: battery level, temperature, humidity and motion.
package sensors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"asset-tracker/internal/uplink"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

// BatteryReader reports the battery charge in percent.
type BatteryReader interface {
	BatteryPercent() (float64, error)
}

// ClimateReader reports temperature (°C) and relative humidity (%).
type ClimateReader interface {
	Climate() (temperature, humidity float64, err error)
}

// MotionReader reports one acceleration sample in m/s².
type MotionReader interface {
	Acceleration() (x, y, z float64, err error)
}

// DefaultSampleInterval is how often Sample runs between location cycles.
const DefaultSampleInterval = time.Second

// Probe combines the readers into one snapshot. A failing reader keeps its
// previous value so one broken sensor does not blank the others.
//
// Motion is tracked between reads: Sample folds each acceleration sample
// into a running peak which the next Read reports and clears.
type Probe struct {
	battery         BatteryReader
	climate         ClimateReader
	motion          MotionReader
	motionThreshold float64

	mu      sync.Mutex
	last    uplink.Sensors
	peak    float64
	moved   bool
	sampled bool
}

// NewProbe creates a probe; any reader may be nil. motionThreshold is the
// deviation from 1 g in m/s² above which the tracker counts as moving.
func NewProbe(battery BatteryReader, climate ClimateReader, motion MotionReader, motionThreshold float64) *Probe {
	return &Probe{
		battery:         battery,
		climate:         climate,
		motion:          motion,
		motionThreshold: motionThreshold,
	}
}

// Sample takes one acceleration sample and folds it into the peak reported
// by the next Read.
func (p *Probe) Sample() error {
	if p.motion == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleLocked()
}

func (p *Probe) sampleLocked() error {
	x, y, z, err := p.motion.Acceleration()
	if err != nil {
		return err
	}
	p.peak = math.Max(p.peak, math.Max(math.Abs(x), math.Max(math.Abs(y), math.Abs(z))))
	magnitude := math.Sqrt(x*x + y*y + z*z)
	p.moved = p.moved || math.Abs(magnitude-StandardGravity) > p.motionThreshold
	p.sampled = true
	return nil
}

// RunSampler calls Sample every interval until ctx is done.
func (p *Probe) RunSampler(ctx context.Context, interval time.Duration, logger func(string, ...interface{})) {
	if p.motion == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sample(); err != nil && logger != nil {
				logger("[Sensors] Motion sample failed: %v", err)
			}
		}
	}
}

// Read refreshes the snapshot. The returned snapshot is always usable; the
// error reports the first reader that failed. PeakAccel and Motion cover
// every sample since the previous Read, including one taken now.
func (p *Probe) Read() (uplink.Sensors, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	if p.battery != nil {
		if pct, err := p.battery.BatteryPercent(); err != nil {
			errs = append(errs, errors.Wrap(err, "battery"))
		} else {
			p.last.Battery = uint8(math.Round(math.Max(0, math.Min(100, pct))))
		}
	}

	if p.climate != nil {
		if temp, hum, err := p.climate.Climate(); err != nil {
			errs = append(errs, errors.Wrap(err, "climate"))
		} else {
			p.last.Temperature = temp
			p.last.Humidity = hum
		}
	}

	if p.motion != nil {
		if err := p.sampleLocked(); err != nil {
			errs = append(errs, errors.Wrap(err, "motion"))
		}
		if p.sampled {
			p.last.PeakAccel = p.peak
			p.last.Motion = p.moved
			p.peak, p.moved, p.sampled = 0, false, false
		}
	}

	if len(errs) == 0 {
		return p.last, nil
	}
	if len(errs) == 1 {
		return p.last, errs[0]
	}
	return p.last, errors.Wrapf(errs[0], "%d sensor reads failed, first", len(errs))
}
