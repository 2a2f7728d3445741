package gnss

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stratoberry/go-gpsd"

	"asset-tracker/internal/location"
)

// GpsdScanner takes one TPV fix and one SKY report from gpsd per scan.
type GpsdScanner struct {
	server  string
	timeout time.Duration
	logger  func(string, ...interface{})

	mu   sync.Mutex
	busy bool
}

// NewGpsdScanner creates a scanner for a gpsd server (host:port).
func NewGpsdScanner(server string, timeout time.Duration, logger func(string, ...interface{})) *GpsdScanner {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	return &GpsdScanner{server: server, timeout: timeout, logger: logger}
}

// ScanSatellites implements location.SatelliteScanner.
func (g *GpsdScanner) ScanSatellites(refTime uint32, assist location.Position, done func(location.SatelliteScan, error)) error {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return location.ErrScanInProgress
	}
	g.busy = true
	g.mu.Unlock()

	go func() {
		fix, err := g.scan()
		g.release()
		if err != nil {
			done(location.SatelliteScan{}, err)
			return
		}
		done(fix.Scan(), nil)
	}()
	return nil
}

func (g *GpsdScanner) scan() (Fix, error) {
	g.log("Connecting to gpsd on %s", g.server)
	session, err := gpsd.Dial(g.server)
	if err != nil {
		return Fix{}, errors.Wrap(err, "failed to connect to gpsd")
	}
	if session == nil {
		return Fix{}, errors.New("failed to connect to gpsd")
	}
	return g.collect(session)
}

func (g *GpsdScanner) collect(session *gpsd.Session) (Fix, error) {
	var (
		mu  sync.Mutex
		tpv *gpsd.TPVReport
		sky *gpsd.SKYReport
	)
	updated := make(chan struct{}, 1)
	signal := func() {
		select {
		case updated <- struct{}{}:
		default:
		}
	}

	session.AddFilter("TPV", func(r interface{}) {
		report, ok := r.(*gpsd.TPVReport)
		if !ok || report.Mode < 2 {
			return
		}
		mu.Lock()
		tpv = report
		mu.Unlock()
		signal()
	})
	session.AddFilter("SKY", func(r interface{}) {
		report, ok := r.(*gpsd.SKYReport)
		if !ok {
			return
		}
		mu.Lock()
		sky = report
		mu.Unlock()
		signal()
	})

	watchDone := session.Watch()
	defer session.Close()

	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-updated:
			mu.Lock()
			complete := tpv != nil && sky != nil
			mu.Unlock()
			if !complete {
				continue
			}
		case <-deadline.C:
			g.log("Scan timed out after %v", g.timeout)
		case <-watchDone:
			g.log("gpsd watch ended")
		}
		break
	}

	mu.Lock()
	defer mu.Unlock()
	return fixFromReports(tpv, sky)
}

// fixFromReports combines the latest TPV and SKY reports.
func fixFromReports(tpv *gpsd.TPVReport, sky *gpsd.SKYReport) (Fix, error) {
	if tpv == nil {
		return Fix{}, errors.Wrap(ErrNoFix, "no TPV report with a 2D/3D fix")
	}

	fix := Fix{
		Time:      tpv.Time,
		Latitude:  tpv.Lat,
		Longitude: tpv.Lon,
		Altitude:  tpv.Alt,
	}
	if sky != nil {
		fix.HDOP = sky.Hdop
		for _, sv := range sky.Satellites {
			fix.Satellites = append(fix.Satellites, Satellite{PRN: int(sv.PRN), SNR: sv.Ss, Used: sv.Used})
			if sv.Used {
				fix.Used++
			}
		}
	}
	return fix, nil
}

func (g *GpsdScanner) release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

func (g *GpsdScanner) log(format string, args ...interface{}) {
	g.logger("[GPSD] "+format, args...)
}
