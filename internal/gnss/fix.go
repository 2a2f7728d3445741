// Package gnss runs satellite scans against gpsd or a serial NMEA receiver
// and packs the result into a compact navigation record.
package gnss

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
)

const (
	// NavVersion is the first byte of every navigation record.
	NavVersion = 0x01
	// NavHeaderSize covers version, position, altitude, HDOP and count.
	NavHeaderSize = 13
	// MaxListedSatellites bounds the per-satellite section.
	MaxListedSatellites = 16
)

var ErrNoFix = errors.New("no position fix")

// Satellite is one tracked space vehicle.
type Satellite struct {
	PRN  int
	SNR  float64
	Used bool
}

// Fix is a position solution with the satellites that produced it.
type Fix struct {
	Time       time.Time
	Latitude   float64
	Longitude  float64
	Altitude   float64
	HDOP       float64
	Used       int
	Satellites []Satellite
}

// EncodeNav packs a fix into a navigation record:
//
//	[0]     version
//	[1:5]   latitude,  int32 1e-7 degrees, big endian
//	[5:9]   longitude, int32 1e-7 degrees, big endian
//	[9:11]  altitude,  int16 metres, big endian
//	[11]    HDOP x10
//	[12]    n
//	[13:]   n x (PRN, SNR dB-Hz), strongest first
func EncodeNav(f Fix) []byte {
	svs := make([]Satellite, 0, len(f.Satellites))
	for _, sv := range f.Satellites {
		if sv.Used || !anyUsed(f.Satellites) {
			svs = append(svs, sv)
		}
	}
	sort.SliceStable(svs, func(i, j int) bool { return svs[i].SNR > svs[j].SNR })
	if len(svs) > MaxListedSatellites {
		svs = svs[:MaxListedSatellites]
	}

	b := make([]byte, 0, NavHeaderSize+2*len(svs))
	b = append(b, NavVersion)
	b = binary.BigEndian.AppendUint32(b, uint32(int32(math.Round(f.Latitude*1e7))))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(math.Round(f.Longitude*1e7))))
	b = binary.BigEndian.AppendUint16(b, uint16(int16(clamp(f.Altitude, math.MinInt16, math.MaxInt16))))
	b = append(b, uint8(clamp(f.HDOP*10, 0, math.MaxUint8)))
	b = append(b, byte(len(svs)))
	for _, sv := range svs {
		b = append(b, uint8(clamp(float64(sv.PRN), 0, math.MaxUint8)), uint8(clamp(sv.SNR, 0, math.MaxUint8)))
	}
	return b
}

// DecodeNav is the inverse of EncodeNav, to the precision of the record.
func DecodeNav(b []byte) (Fix, error) {
	if len(b) < NavHeaderSize || b[0] != NavVersion {
		return Fix{}, errors.New("not a navigation record")
	}
	n := int(b[12])
	if len(b) != NavHeaderSize+2*n {
		return Fix{}, errors.Errorf("navigation record length %d, want %d", len(b), NavHeaderSize+2*n)
	}
	f := Fix{
		Latitude:  float64(int32(binary.BigEndian.Uint32(b[1:5]))) / 1e7,
		Longitude: float64(int32(binary.BigEndian.Uint32(b[5:9]))) / 1e7,
		Altitude:  float64(int16(binary.BigEndian.Uint16(b[9:11]))),
		HDOP:      float64(b[11]) / 10,
	}
	for i := 0; i < n; i++ {
		off := NavHeaderSize + 2*i
		f.Satellites = append(f.Satellites, Satellite{PRN: int(b[off]), SNR: float64(b[off+1]), Used: true})
	}
	f.Used = n
	return f, nil
}

// Scan converts a fix into a satellite scan result.
func (f Fix) Scan() location.SatelliteScan {
	scan := location.SatelliteScan{
		Satellites: f.Used,
		Nav:        EncodeNav(f),
	}
	if !f.Time.IsZero() {
		scan.CaptureTime = radio.GPSSeconds(f.Time)
	}
	return scan
}

func anyUsed(svs []Satellite) bool {
	for _, sv := range svs {
		if sv.Used {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return math.Round(v)
}
