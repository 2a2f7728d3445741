package gnss

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"asset-tracker/internal/location"
)

// NMEAScanner reads a serial NMEA receiver until it has a GGA fix and a
// complete GSV cycle.
type NMEAScanner struct {
	port    string
	baud    int
	timeout time.Duration
	logger  func(string, ...interface{})
	open    func() (io.ReadCloser, error)

	mu   sync.Mutex
	busy bool
}

// NewNMEAScanner creates a scanner for a serial device such as /dev/ttyUSB0.
func NewNMEAScanner(port string, baud int, timeout time.Duration, logger func(string, ...interface{})) *NMEAScanner {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	n := &NMEAScanner{port: port, baud: baud, timeout: timeout, logger: logger}
	n.open = func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: n.port, Baud: n.baud, ReadTimeout: time.Second})
	}
	return n
}

// ScanSatellites implements location.SatelliteScanner.
func (n *NMEAScanner) ScanSatellites(refTime uint32, assist location.Position, done func(location.SatelliteScan, error)) error {
	n.mu.Lock()
	if n.busy {
		n.mu.Unlock()
		return location.ErrScanInProgress
	}
	n.busy = true
	n.mu.Unlock()

	go func() {
		fix, err := n.scan()
		n.mu.Lock()
		n.busy = false
		n.mu.Unlock()

		if err != nil {
			done(location.SatelliteScan{}, err)
			return
		}
		done(fix.Scan(), nil)
	}()
	return nil
}

func (n *NMEAScanner) scan() (Fix, error) {
	port, err := n.open()
	if err != nil {
		return Fix{}, errors.Wrapf(err, "failed to open %s", n.port)
	}
	defer port.Close()

	n.log("Reading NMEA from %s at %d baud", n.port, n.baud)
	return collectNMEA(port, time.Now().Add(n.timeout), n.log)
}

// collectNMEA reads sentences until a fix with satellite detail is complete
// or the deadline passes. A reader reporting io.EOF is polled again until
// the deadline, as serial ports do on read timeouts.
func collectNMEA(r io.Reader, deadline time.Time, logf func(string, ...interface{})) (Fix, error) {
	var (
		fix     Fix
		haveFix bool
		svs     = map[int]Satellite{}
		gsvDone bool
		partial strings.Builder
		reader  = bufio.NewReader(r)
	)

	for time.Now().Before(deadline) {
		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err != nil {
			if err != io.EOF {
				return Fix{}, errors.Wrap(err, "failed to read NMEA")
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		line := strings.TrimSpace(partial.String())
		partial.Reset()
		if line == "" {
			continue
		}

		s, err := nmea.Parse(line)
		if err != nil {
			logf("Skipping sentence: %v", err)
			continue
		}

		switch s.DataType() {
		case nmea.TypeGGA:
			gga := s.(nmea.GGA)
			if gga.FixQuality == nmea.Invalid {
				haveFix = false
				continue
			}
			fix.Latitude = gga.Latitude
			fix.Longitude = gga.Longitude
			fix.Altitude = gga.Altitude
			fix.HDOP = gga.HDOP
			fix.Used = int(gga.NumSatellites)
			haveFix = true
		case nmea.TypeGSV:
			gsv := s.(nmea.GSV)
			if gsv.MessageNumber == 1 {
				gsvDone = false
			}
			for _, info := range gsv.Info {
				svs[int(info.SVPRNNumber)] = Satellite{PRN: int(info.SVPRNNumber), SNR: float64(info.SNR), Used: info.SNR > 0}
			}
			if gsv.MessageNumber == gsv.TotalMessages {
				gsvDone = true
			}
		case nmea.TypeRMC:
			rmc := s.(nmea.RMC)
			if rmc.Validity == nmea.ValidRMC && rmc.Date.Valid && rmc.Time.Valid {
				year := 2000 + rmc.Date.YY
				if rmc.Date.YY >= 80 {
					year = 1900 + rmc.Date.YY
				}
				fix.Time = time.Date(year, time.Month(rmc.Date.MM), rmc.Date.DD,
					rmc.Time.Hour, rmc.Time.Minute, rmc.Time.Second, rmc.Time.Millisecond*int(time.Millisecond), time.UTC)
			}
		}

		if haveFix && gsvDone {
			fix.Satellites = fix.Satellites[:0]
			for _, sv := range svs {
				fix.Satellites = append(fix.Satellites, sv)
			}
			return fix, nil
		}
	}

	if haveFix {
		logf("Deadline reached without satellite detail, using GGA only")
		return fix, nil
	}
	return Fix{}, errors.Wrap(ErrNoFix, "deadline reached")
}

func (n *NMEAScanner) log(format string, args ...interface{}) {
	n.logger("[NMEA] "+format, args...)
}
