// Package radio describes the external radio stack the tracker drives: a
// multi-link stack with an init/start/stop/deinit lifecycle, a work pump and
// asynchronous notifications.
package radio

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LinkMask is a bitmask of radio links.
type LinkMask uint32

const (
	// LinkBLE is the short-range, connection-oriented link.
	LinkBLE LinkMask = 1 << 0
	// LinkFSK is the first long-range sub-GHz link.
	LinkFSK LinkMask = 1 << 1
	// LinkLoRa is the second long-range sub-GHz link.
	LinkLoRa LinkMask = 1 << 2

	LinkAll = LinkBLE | LinkFSK | LinkLoRa
)

var linkNames = []struct {
	link LinkMask
	name string
}{
	{LinkBLE, "ble"},
	{LinkFSK, "fsk"},
	{LinkLoRa, "lora"},
}

// Has reports whether every bit of l is set in m.
func (m LinkMask) Has(l LinkMask) bool {
	return l != 0 && m&l == l
}

// ConnectionOriented reports whether uplinks on m need an explicit
// connection request before the link comes up.
func (m LinkMask) ConnectionOriented() bool {
	return m == LinkBLE
}

func (m LinkMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, ln := range linkNames {
		if m&ln.link != 0 {
			parts = append(parts, ln.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseLink parses a single link name or a "|" separated list of names.
func ParseLink(s string) (LinkMask, error) {
	var mask LinkMask
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(s)), "|") {
		found := false
		for _, ln := range linkNames {
			if part == ln.name {
				mask |= ln.link
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown link %q", part)
		}
	}
	return mask, nil
}

// State is the stack's reported operational state.
type State int

const (
	StateNotReady State = iota
	StateReady
	StateError
	StateSecureChannelReady
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not-ready"
	case StateError:
		return "error"
	case StateSecureChannelReady:
		return "secure-channel-ready"
	}
	return "unknown"
}

// Status is delivered with every status-changed notification.
type Status struct {
	State      State
	LinkStatus LinkMask
	Registered bool
	TimeSynced bool
}

// Config is the configuration a stack session is initialised with.
type Config struct {
	LinkMask LinkMask
	// TimeSyncPeriod is how often the stack resynchronises its clock.
	TimeSyncPeriod time.Duration
}

// Handle identifies an initialised stack session.
type Handle struct {
	ID uint32
}

// MessageType classifies a message descriptor.
type MessageType int

const (
	MessageNotify MessageType = iota
	MessageGet
	MessageSet
	MessageResponse
)

// Descriptor identifies a message handed to or received from the stack.
type Descriptor struct {
	ID   uint16
	Type MessageType
	Link LinkMask
}

// Callbacks receives stack notifications. OnEvent may be invoked from any
// goroutine; the others are invoked from within Process.
type Callbacks interface {
	OnEvent(inInterrupt bool)
	OnStatusChanged(status Status)
	OnMessageSent(desc Descriptor)
	OnSendError(err error, desc Descriptor)
	OnMessageReceived(desc Descriptor, payload []byte)
	OnFactoryReset()
}

// Stack is the external radio stack.
type Stack interface {
	Init(cfg Config, cb Callbacks) (*Handle, error)
	Start(h *Handle, links LinkMask) error
	Stop(h *Handle, links LinkMask) error
	Deinit(h *Handle) error
	// Process drains pending work and dispatches callbacks.
	Process(h *Handle) error
	// Send queues payload; desc.ID is assigned by the stack.
	Send(h *Handle, payload []byte, desc *Descriptor) error
	RequestConnection(h *Handle, link LinkMask) error
	// GPSTime returns the stack's network-synchronised time in GPS seconds.
	GPSTime(h *Handle) (uint32, error)
}

var (
	ErrStack              = errors.New("radio stack error")
	ErrAlreadyInitialized = errors.Wrap(ErrStack, "already initialized")
	ErrNotStarted         = errors.Wrap(ErrStack, "not started")
	ErrInvalidArgs        = errors.Wrap(ErrStack, "invalid arguments")
	ErrNoHandle           = errors.Wrap(ErrStack, "no handle")
	ErrTimeNotSynced      = errors.Wrap(ErrStack, "time not synced")
	ErrLinkDown           = errors.Wrap(ErrStack, "link down")
)

// IsStackError reports whether err originates from the radio stack.
func IsStackError(err error) bool {
	return errors.Is(err, ErrStack)
}

// GPSEpoch is 1980-01-06T00:00:00Z.
var GPSEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// LeapSeconds is the GPS-UTC offset.
const LeapSeconds = 18

// GPSSeconds converts t to GPS seconds.
func GPSSeconds(t time.Time) uint32 {
	return uint32(t.Unix() - GPSEpoch.Unix() + LeapSeconds)
}
