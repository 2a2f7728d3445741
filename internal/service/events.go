package service

import (
	"context"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/shell"
)

// Kind identifies an event on the dispatch queue.
type Kind int

const (
	EventStackHasWork Kind = iota + 1
	EventShortPress
	EventLongPress
	EventScanDue
	EventConnectionRequested
	EventConnectionWaitTick
	EventSendUplink
	EventSensorsScanned
	EventScanLocation
	EventStackStart
	EventStackStop
	EventUplinkComplete
	EventLinkModeSwitchStart
	EventLinkModeSwitchReady
	EventLinkModeRestore

	EventStatusChanged
	EventMessageSent
	EventSendError
	EventMessageReceived
	EventFactoryReset
	EventWiFiScanDone
	EventSatelliteScanDone
	EventRadioRecovered
	EventCommand
)

var kindNames = map[Kind]string{
	EventStackHasWork:        "stack-has-work",
	EventShortPress:          "short-press",
	EventLongPress:           "long-press",
	EventScanDue:             "scan-due",
	EventConnectionRequested: "connection-requested",
	EventConnectionWaitTick:  "connection-wait-tick",
	EventSendUplink:          "send-uplink",
	EventSensorsScanned:      "sensors-scanned",
	EventScanLocation:        "scan-location",
	EventStackStart:          "stack-start",
	EventStackStop:           "stack-stop",
	EventUplinkComplete:      "uplink-complete",
	EventLinkModeSwitchStart: "link-mode-switch-start",
	EventLinkModeSwitchReady: "link-mode-switch-ready",
	EventLinkModeRestore:     "link-mode-restore",
	EventStatusChanged:       "status-changed",
	EventMessageSent:         "message-sent",
	EventSendError:           "send-error",
	EventMessageReceived:     "message-received",
	EventFactoryReset:        "factory-reset",
	EventWiFiScanDone:        "wifi-scan-done",
	EventSatelliteScanDone:   "satellite-scan-done",
	EventRadioRecovered:      "radio-recovered",
	EventCommand:             "command",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is an immutable message to the dispatch loop. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind Kind

	Status     radio.Status
	Descriptor radio.Descriptor
	Payload    []byte
	Err        error

	AccessPoints []location.AccessPoint
	Satellite    location.SatelliteScan

	// Effort and ScanOnly parameterise scan-location and
	// link-mode-switch-start for operator-requested cycles.
	Effort   location.Effort
	ScanOnly bool

	// Aborted and Fragments describe a finished uplink.
	Aborted   bool
	Fragments int

	Command shell.Command
}

// Queue is the ordered event queue feeding the dispatch loop. Post never
// blocks; a full queue is purged before the new event is added.
type Queue struct {
	ch      chan Event
	onPurge func(int)
}

// NewQueue creates a queue holding up to size events. onPurge, if set, is
// called with the number of events dropped by every non-empty purge.
func NewQueue(size int, onPurge func(int)) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size), onPurge: onPurge}
}

// Post enqueues e. Safe for concurrent use.
func (q *Queue) Post(e Event) {
	select {
	case q.ch <- e:
		return
	default:
	}

	q.Purge()
	select {
	case q.ch <- e:
	default:
	}
}

// Purge drops all queued events and returns how many were dropped.
func (q *Queue) Purge() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			if n > 0 && q.onPurge != nil {
				q.onPurge(n)
			}
			return n
		}
	}
}

// Next blocks until an event is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// TryNext returns the next event without blocking.
func (q *Queue) TryNext() (Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}
