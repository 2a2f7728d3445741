// Package wifi provides WiFi access point scanners: a wpa_supplicant D-Bus
// backend for real hardware and a static backend for workshop demos.
package wifi

import (
	"math"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"asset-tracker/internal/location"
)

const (
	wpaService   = "fi.w1.wpa_supplicant1"
	wpaPath      = "/fi/w1/wpa_supplicant1"
	wpaInterface = "fi.w1.wpa_supplicant1.Interface"
	wpaBSS       = "fi.w1.wpa_supplicant1.BSS"

	DefaultScanTimeout = 10 * time.Second
)

var ErrScanFailed = errors.New("wpa_supplicant reported scan failure")

// WPAScanner triggers an active scan through wpa_supplicant and reads the
// resulting BSS list.
type WPAScanner struct {
	iface   string
	timeout time.Duration
	logger  func(string, ...interface{})
	connect func() (*dbus.Conn, error)

	mu   sync.Mutex
	busy bool
}

// NewWPAScanner creates a scanner for a wireless interface such as wlan0.
func NewWPAScanner(iface string, timeout time.Duration, logger func(string, ...interface{})) *WPAScanner {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &WPAScanner{
		iface:   iface,
		timeout: timeout,
		logger:  logger,
		connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
	}
}

// ScanWiFi implements location.WiFiScanner.
func (w *WPAScanner) ScanWiFi(done func([]location.AccessPoint, error)) error {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return location.ErrScanInProgress
	}
	w.busy = true
	w.mu.Unlock()

	go func() {
		aps, err := w.scan()
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
		done(aps, err)
	}()
	return nil
}

func (w *WPAScanner) scan() ([]location.AccessPoint, error) {
	conn, err := w.connect()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	defer conn.Close()

	var ifPath dbus.ObjectPath
	if err := conn.Object(wpaService, wpaPath).Call(wpaService+".GetInterface", 0, w.iface).Store(&ifPath); err != nil {
		return nil, errors.Wrapf(err, "interface %s not managed by wpa_supplicant", w.iface)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(ifPath),
		dbus.WithMatchInterface(wpaInterface),
		dbus.WithMatchMember("ScanDone"),
	); err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to ScanDone")
	}
	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	ifObj := conn.Object(wpaService, ifPath)
	args := map[string]dbus.Variant{"Type": dbus.MakeVariant("active")}
	if err := ifObj.Call(wpaInterface+".Scan", 0, args).Err; err != nil {
		return nil, errors.Wrap(err, "failed to start scan")
	}
	w.log("Scan started on %s", w.iface)

	if err := waitScanDone(signals, w.timeout); err != nil {
		return nil, err
	}

	prop, err := ifObj.GetProperty(wpaInterface + ".BSSs")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read BSS list")
	}
	paths, ok := prop.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, errors.Errorf("unexpected BSSs type %T", prop.Value())
	}

	aps := make([]location.AccessPoint, 0, len(paths))
	for _, p := range paths {
		bss := conn.Object(wpaService, p)
		bssid, err := bss.GetProperty(wpaBSS + ".BSSID")
		if err != nil {
			w.log("Skipping %s: %v", p, err)
			continue
		}
		signal, err := bss.GetProperty(wpaBSS + ".Signal")
		if err != nil {
			w.log("Skipping %s: %v", p, err)
			continue
		}
		raw, _ := bssid.Value().([]byte)
		dbm, _ := signal.Value().(int16)
		ap, ok := accessPoint(raw, dbm)
		if !ok {
			continue
		}
		aps = append(aps, ap)
	}
	w.log("Scan found %d access points", len(aps))
	return aps, nil
}

func waitScanDone(signals <-chan *dbus.Signal, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if sig.Name != wpaInterface+".ScanDone" {
				continue
			}
			if len(sig.Body) > 0 {
				if success, _ := sig.Body[0].(bool); !success {
					return ErrScanFailed
				}
			}
			return nil
		case <-deadline.C:
			return errors.Errorf("scan did not finish within %v", timeout)
		}
	}
}

// accessPoint converts a BSSID and signal level in dBm. Locally administered
// BSSIDs are marked mobile.
func accessPoint(bssid []byte, dbm int16) (location.AccessPoint, bool) {
	if len(bssid) != 6 {
		return location.AccessPoint{}, false
	}
	var ap location.AccessPoint
	copy(ap.MAC[:], bssid)
	switch {
	case dbm < math.MinInt8:
		ap.RSSI = math.MinInt8
	case dbm > math.MaxInt8:
		ap.RSSI = math.MaxInt8
	default:
		ap.RSSI = int8(dbm)
	}
	ap.Mobile = location.IsLocallyAdministered(ap.MAC)
	return ap, true
}

func (w *WPAScanner) log(format string, args ...interface{}) {
	w.logger("[WiFi] "+format, args...)
}
