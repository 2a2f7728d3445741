package uplink

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message is a reassembled uplink.
type Message struct {
	Type         MessageType
	Battery      uint8
	Temperature  int8
	Humidity     uint8
	Motion       bool
	PeakAccel    uint8
	AccessPoints []AccessPoint
	Nav          []byte
	CaptureTime  uint32
}

var ErrMalformed = errors.New("malformed fragment sequence")

// Decode reassembles fragments produced by Encode.
func Decode(frags [][]byte) (*Message, error) {
	if len(frags) == 0 || len(frags[0]) < SensorBlockSize {
		return nil, errors.Wrap(ErrMalformed, "missing sensor block")
	}

	first := frags[0]
	t, total, idx := ParseHeader(first[0])
	if idx != 0 {
		return nil, errors.Wrapf(ErrMalformed, "first fragment has index %d", idx)
	}
	if t == TypeNoLocation {
		total = 1
	}
	if total != len(frags) {
		return nil, errors.Wrapf(ErrMalformed, "header announces %d fragments, got %d", total, len(frags))
	}

	m := &Message{
		Type:        t,
		Battery:     first[1],
		Temperature: int8(first[2]),
		Humidity:    first[3],
		Motion:      first[4]&0x80 != 0,
		PeakAccel:   first[4] & 0x7f,
	}

	for pos := 1; pos < len(frags); pos++ {
		if len(frags[pos]) == 0 {
			return nil, errors.Wrapf(ErrMalformed, "fragment %d empty", pos)
		}
		ft, ftotal, fidx := ParseHeader(frags[pos][0])
		if ft != t || ftotal != total || fidx != fragmentIndex(pos, total) {
			return nil, errors.Wrapf(ErrMalformed, "fragment %d header %#02x out of sequence", pos, frags[pos][0])
		}
	}

	switch t {
	case TypeNoLocation:
	case TypeWiFi:
		for pos, f := range frags {
			body := f[1:]
			if pos == 0 {
				body = f[SensorBlockSize:]
			}
			if len(body)%APRecordSize != 0 {
				return nil, errors.Wrapf(ErrMalformed, "fragment %d has partial access point record", pos)
			}
			for ; len(body) > 0; body = body[APRecordSize:] {
				var ap AccessPoint
				ap.RSSI = int8(body[0])
				copy(ap.MAC[:], body[1:APRecordSize])
				m.AccessPoints = append(m.AccessPoints, ap)
			}
		}
	case TypeSatellite:
		if len(first) != SatelliteHeaderSize {
			return nil, errors.Wrap(ErrMalformed, "short satellite header")
		}
		n := int(first[SensorBlockSize])
		m.CaptureTime = binary.BigEndian.Uint32(first[SensorBlockSize+1:])
		m.Nav = make([]byte, 0, n)
		for _, f := range frags[1:] {
			m.Nav = append(m.Nav, f[1:]...)
		}
		if len(m.Nav) != n {
			return nil, errors.Wrapf(ErrMalformed, "navigation length %d, announced %d", len(m.Nav), n)
		}
	default:
		return nil, errors.Wrapf(ErrMalformed, "unsupported type %s", t)
	}
	return m, nil
}
