package wifi

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"asset-tracker/internal/location"
)

// StaticSlots is the number of configurable workshop access points.
const StaticSlots = 2

// DefaultJitter is the RSSI variation applied to each static reading.
const DefaultJitter = 2

// Static reports a fixed pair of access points. Used in the workshop to
// exercise the WiFi uplink path without real infrastructure.
type Static struct {
	mu     sync.Mutex
	aps    [StaticSlots]location.AccessPoint
	jitter int
	rng    *rand.Rand
	logger func(string, ...interface{})
}

// NewStatic creates a static scanner with two placeholder access points.
func NewStatic(logger func(string, ...interface{})) *Static {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	return &Static{
		aps: [StaticSlots]location.AccessPoint{
			{MAC: [6]byte{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x01}, RSSI: -50},
			{MAC: [6]byte{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x02}, RSSI: -65},
		},
		jitter: DefaultJitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// SetJitter sets the maximum RSSI deviation in dB. Zero disables it.
func (s *Static) SetJitter(db int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db < 0 {
		db = 0
	}
	s.jitter = db
}

// SetAP replaces access point slot 1 or 2.
func (s *Static) SetAP(slot int, mac [6]byte, rssi int8) error {
	if slot < 1 || slot > StaticSlots {
		return errors.Errorf("slot %d out of range 1..%d", slot, StaticSlots)
	}
	s.mu.Lock()
	s.aps[slot-1] = location.AccessPoint{MAC: mac, RSSI: rssi}
	s.mu.Unlock()
	s.log("AP %d set to %x at %d dBm", slot, mac, rssi)
	return nil
}

// APs returns the configured access points without jitter.
func (s *Static) APs() []location.AccessPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]location.AccessPoint, StaticSlots)
	copy(out, s.aps[:])
	return out
}

// ScanWiFi implements location.WiFiScanner.
func (s *Static) ScanWiFi(done func([]location.AccessPoint, error)) error {
	s.mu.Lock()
	out := make([]location.AccessPoint, StaticSlots)
	for i, ap := range s.aps {
		if s.jitter > 0 {
			ap.RSSI = clampRSSI(int(ap.RSSI) + s.rng.Intn(2*s.jitter+1) - s.jitter)
		}
		out[i] = ap
	}
	s.mu.Unlock()

	go done(out, nil)
	return nil
}

func clampRSSI(v int) int8 {
	switch {
	case v > -1:
		return -1
	case v < -127:
		return -127
	}
	return int8(v)
}

func (s *Static) log(format string, args ...interface{}) {
	s.logger("[WiFi] "+format, args...)
}
