// Package uplink serialises location and sensor reports into size-bounded
// fragments.
//
// Every fragment starts with a header byte laid out as
//
//	bit 7-6  message type
//	bit 5-3  total fragment count
//	bit 2-0  fragment index (0 first, 7 last)
//
// The first fragment of every location message carries a four byte sensor
// block right after the header.
package uplink

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// MessageType is the two bit message type carried in every header.
type MessageType uint8

const (
	TypeConfig     MessageType = 0
	TypeNoLocation MessageType = 1
	TypeWiFi       MessageType = 2
	TypeSatellite  MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeConfig:
		return "config"
	case TypeNoLocation:
		return "no-location"
	case TypeWiFi:
		return "wifi"
	case TypeSatellite:
		return "satellite"
	}
	return "unknown"
}

const (
	DefaultMaxFragmentSize = 19
	MaxFragments           = 7
	FinalIndex             = 7

	// SensorBlockSize is the header byte plus the four sensor bytes.
	SensorBlockSize = 5
	// APRecordSize is one RSSI byte followed by a six byte BSSID.
	APRecordSize = 7
	// SatelliteHeaderSize is the sensor block, the raw length byte and the
	// big-endian capture time.
	SatelliteHeaderSize = SensorBlockSize + 1 + 4

	maxPeakAccel = 0x7f
)

var (
	ErrEncodingOverflow = errors.New("encoding overflow")
	ErrEmptyResult      = errors.New("empty scan result")
)

// ProximityPing is the fixed payload sent over the short-range link to
// announce presence.
var ProximityPing = []byte{0x4C, 0x31}

// Sensors is the environmental snapshot sent with every location message.
type Sensors struct {
	Battery     uint8
	Temperature float64
	Humidity    float64
	Motion      bool
	PeakAccel   float64
}

// AccessPoint is one WiFi observation.
type AccessPoint struct {
	MAC  [6]byte
	RSSI int8
}

// Result is a location result awaiting encoding. It is one of NoLocation,
// WiFiResult or SatelliteResult.
type Result interface {
	Type() MessageType
}

// NoLocation marks a cycle that produced no usable position.
type NoLocation struct{}

func (NoLocation) Type() MessageType { return TypeNoLocation }

// WiFiResult carries the access points to report, strongest first.
type WiFiResult struct {
	AccessPoints []AccessPoint
}

func (WiFiResult) Type() MessageType { return TypeWiFi }

// SatelliteResult carries an opaque navigation message resolved by the
// cloud solver.
type SatelliteResult struct {
	Nav         []byte
	Satellites  uint8
	CaptureTime uint32
}

func (SatelliteResult) Type() MessageType { return TypeSatellite }

// Header builds a header byte.
func Header(t MessageType, total, index int) byte {
	return byte(t)<<6 | byte(total&0x07)<<3 | byte(index&0x07)
}

// ParseHeader splits a header byte.
func ParseHeader(b byte) (t MessageType, total, index int) {
	return MessageType(b >> 6), int(b>>3) & 0x07, int(b) & 0x07
}

// Encoder splits results into fragments of at most MaxFragmentSize bytes.
type Encoder struct {
	maxFragment int
}

// NewEncoder returns an encoder for the given maximum fragment size.
func NewEncoder(maxFragment int) (*Encoder, error) {
	if maxFragment < SensorBlockSize+APRecordSize {
		return nil, errors.Errorf("fragment size %d below minimum %d", maxFragment, SensorBlockSize+APRecordSize)
	}
	if maxFragment > math.MaxUint8 {
		return nil, errors.Errorf("fragment size %d above maximum %d", maxFragment, math.MaxUint8)
	}
	return &Encoder{maxFragment: maxFragment}, nil
}

// Encode returns the fragments for r in send order.
func (e *Encoder) Encode(r Result, s Sensors) ([][]byte, error) {
	if r == nil {
		r = NoLocation{}
	}
	switch res := r.(type) {
	case NoLocation:
		return [][]byte{e.sensorBlock(TypeNoLocation, 1, s)}, nil
	case WiFiResult:
		return e.encodeWiFi(res, s)
	case *WiFiResult:
		return e.encodeWiFi(*res, s)
	case SatelliteResult:
		return e.encodeSatellite(res, s)
	case *SatelliteResult:
		return e.encodeSatellite(*res, s)
	}
	return nil, errors.Errorf("unsupported result type %T", r)
}

// WiFiFragments returns how many fragments n access points need.
func (e *Encoder) WiFiFragments(n int) int {
	first, next := e.apsPerFragment()
	if n <= first {
		return 1
	}
	return 1 + ceilDiv(n-first, next)
}

// MaxAccessPoints returns the largest access point count that still fits.
func (e *Encoder) MaxAccessPoints() int {
	first, next := e.apsPerFragment()
	return first + (MaxFragments-1)*next
}

// SatelliteFragments returns how many fragments n raw bytes need.
func (e *Encoder) SatelliteFragments(n int) int {
	return 1 + ceilDiv(n, e.maxFragment-1)
}

func (e *Encoder) apsPerFragment() (first, next int) {
	return (e.maxFragment - SensorBlockSize) / APRecordSize, (e.maxFragment - 1) / APRecordSize
}

func (e *Encoder) encodeWiFi(r WiFiResult, s Sensors) ([][]byte, error) {
	n := len(r.AccessPoints)
	if n == 0 {
		return nil, errors.Wrap(ErrEmptyResult, "wifi")
	}
	total := e.WiFiFragments(n)
	if total > MaxFragments {
		return nil, errors.Wrapf(ErrEncodingOverflow, "%d access points need %d fragments", n, total)
	}

	first, next := e.apsPerFragment()
	frags := make([][]byte, 0, total)

	frag := e.sensorBlock(TypeWiFi, total, s)
	aps := r.AccessPoints
	take := min(first, len(aps))
	frag = appendAPs(frag, aps[:take])
	aps = aps[take:]
	frags = append(frags, frag)

	for pos := 1; pos < total; pos++ {
		take = min(next, len(aps))
		frag = make([]byte, 0, 1+take*APRecordSize)
		frag = append(frag, Header(TypeWiFi, total, fragmentIndex(pos, total)))
		frag = appendAPs(frag, aps[:take])
		aps = aps[take:]
		frags = append(frags, frag)
	}
	return frags, nil
}

func (e *Encoder) encodeSatellite(r SatelliteResult, s Sensors) ([][]byte, error) {
	n := len(r.Nav)
	if n > math.MaxUint8 {
		return nil, errors.Wrapf(ErrEncodingOverflow, "navigation message of %d bytes", n)
	}
	total := e.SatelliteFragments(n)
	if total > MaxFragments {
		return nil, errors.Wrapf(ErrEncodingOverflow, "navigation message of %d bytes needs %d fragments", n, total)
	}

	frags := make([][]byte, 0, total)
	frag := e.sensorBlock(TypeSatellite, total, s)
	frag = append(frag, byte(n))
	frag = binary.BigEndian.AppendUint32(frag, r.CaptureTime)
	frags = append(frags, frag)

	chunk := e.maxFragment - 1
	nav := r.Nav
	for pos := 1; pos < total; pos++ {
		take := min(chunk, len(nav))
		frag = make([]byte, 0, 1+take)
		frag = append(frag, Header(TypeSatellite, total, fragmentIndex(pos, total)))
		frag = append(frag, nav[:take]...)
		nav = nav[take:]
		frags = append(frags, frag)
	}
	return frags, nil
}

// sensorBlock returns the header followed by the four sensor bytes.
func (e *Encoder) sensorBlock(t MessageType, total int, s Sensors) []byte {
	b := make([]byte, SensorBlockSize, e.maxFragment)
	b[0] = Header(t, total, 0)
	if t == TypeNoLocation {
		b[0] = Header(t, 0, 0)
	}
	b[1] = s.Battery
	b[2] = byte(clampInt8(s.Temperature))
	b[3] = clampUint8(s.Humidity, math.MaxUint8)
	b[4] = clampUint8(s.PeakAccel, maxPeakAccel)
	if s.Motion {
		b[4] |= 0x80
	}
	return b
}

func appendAPs(b []byte, aps []AccessPoint) []byte {
	for _, ap := range aps {
		b = append(b, byte(ap.RSSI))
		b = append(b, ap.MAC[:]...)
	}
	return b
}

// fragmentIndex maps a zero based position to its header index.
func fragmentIndex(pos, total int) int {
	if pos > 0 && pos == total-1 {
		return FinalIndex
	}
	return pos
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func clampInt8(v float64) int8 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= math.MinInt8:
		return math.MinInt8
	case v >= math.MaxInt8:
		return math.MaxInt8
	}
	return int8(v)
}

func clampUint8(v float64, hi uint8) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= float64(hi):
		return hi
	}
	return uint8(v)
}
