package service

import (
	"asset-tracker/internal/radio"
	"asset-tracker/internal/uplink"
)

// AppState is the application phase.
type AppState int

const (
	// AppInit waits for the first Ready status from the stack.
	AppInit AppState = iota
	AppRun
)

func (s AppState) String() string {
	if s == AppRun {
		return "run"
	}
	return "init"
}

// AppContext is the application state. Only the dispatch loop reads or
// writes it. The stack handle and the active link live in the connection
// manager, which the loop also owns.
type AppContext struct {
	App    AppState
	Status radio.Status

	// TotalFragments is zero exactly when no uplink is in flight;
	// CurrentFragment never exceeds it.
	TotalFragments  int
	CurrentFragment int
	fragments       [][]byte
	inFlight        uint16
	inFlightValid   bool

	// PendingScan holds the concluded result until the encoder consumes it.
	PendingScan uplink.Result
	Sensors     uplink.Sensors

	BLELocationPending bool
	RestorePending     bool
	pingID             uint16
	pingInFlight       bool

	// busyTicks counts scan-due events seen while a cycle was in flight.
	busyTicks int
}

// UplinkInProgress reports whether fragments are being sent.
func (c *AppContext) UplinkInProgress() bool {
	return c.TotalFragments != 0
}

func (c *AppContext) startUplink(frags [][]byte) {
	c.fragments = frags
	c.TotalFragments = len(frags)
	c.CurrentFragment = 0
	c.inFlightValid = false
}

func (c *AppContext) resetUplink() {
	c.fragments = nil
	c.TotalFragments = 0
	c.CurrentFragment = 0
	c.inFlightValid = false
	c.PendingScan = nil
}

func (c *AppContext) ready() bool {
	return c.Status.State == radio.StateReady || c.Status.State == radio.StateSecureChannelReady
}
