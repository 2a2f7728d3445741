package wifi

import (
	"sync"

	"asset-tracker/internal/location"
)

// Selector routes scans to the live backend or, in workshop mode, to the
// static one.
type Selector struct {
	mu       sync.Mutex
	live     location.WiFiScanner
	static   *Static
	workshop bool
}

func NewSelector(live location.WiFiScanner, static *Static) *Selector {
	return &Selector{live: live, static: static, workshop: live == nil}
}

// SetWorkshop switches workshop mode. Without a live backend the selector
// stays on the static scanner.
func (s *Selector) SetWorkshop(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workshop = on || s.live == nil
}

func (s *Selector) Workshop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workshop
}

func (s *Selector) Static() *Static { return s.static }

// ScanWiFi implements location.WiFiScanner.
func (s *Selector) ScanWiFi(done func([]location.AccessPoint, error)) error {
	s.mu.Lock()
	target := s.live
	if s.workshop && s.static != nil {
		target = s.static
	} else if s.workshop {
		target = nil
	}
	s.mu.Unlock()

	if target == nil {
		return location.ErrNoScanner
	}
	return target.ScanWiFi(done)
}
