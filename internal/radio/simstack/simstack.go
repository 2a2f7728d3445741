// Package simstack is an in-process radio stack. It registers instantly,
// brings long-range links up on start, brings the short-range link up a
// configurable delay after a connection request and accepts every send.
// Notifications are queued and delivered from Process, like a real stack.
package simstack

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"asset-tracker/internal/radio"
	"asset-tracker/internal/uplink"
)

// Options tune the simulated stack.
type Options struct {
	// ConnectDelay is how long a connection request takes to bring the
	// short-range link up. Negative means never.
	ConnectDelay time.Duration
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

// Stack implements radio.Stack.
type Stack struct {
	mu      sync.Mutex
	opts    Options
	logger  logrus.FieldLogger
	handle  *radio.Handle
	cb      radio.Callbacks
	cfg     radio.Config
	started radio.LinkMask
	up      radio.LinkMask
	nextID  uint16
	failN   int
	pending []func(radio.Callbacks)
	sent    [][]byte
	seq     uint32
	timers  []*time.Timer
}

// New creates a simulated stack.
func New(opts Options, logger logrus.FieldLogger) *Stack {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Stack{opts: opts, logger: logger}
}

// Init implements radio.Stack.
func (s *Stack) Init(cfg radio.Config, cb radio.Callbacks) (*radio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil, radio.ErrAlreadyInitialized
	}
	if cfg.LinkMask == 0 || cfg.LinkMask&^radio.LinkAll != 0 {
		return nil, errors.Wrapf(radio.ErrInvalidArgs, "link mask %#x", uint32(cfg.LinkMask))
	}
	s.seq++
	s.handle = &radio.Handle{ID: s.seq}
	s.cb = cb
	s.cfg = cfg
	return s.handle, nil
}

// Start implements radio.Stack.
func (s *Stack) Start(h *radio.Handle, links radio.LinkMask) error {
	s.mu.Lock()
	if err := s.checkHandle(h); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.cfg.LinkMask.Has(links) {
		s.mu.Unlock()
		return errors.Wrapf(radio.ErrInvalidArgs, "start %s outside %s", links, s.cfg.LinkMask)
	}
	s.started = links
	s.up = links &^ radio.LinkBLE
	s.queueStatusLocked(radio.StateReady)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Stop implements radio.Stack.
func (s *Stack) Stop(h *radio.Handle, links radio.LinkMask) error {
	s.mu.Lock()
	if err := s.checkHandle(h); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.started == 0 {
		s.mu.Unlock()
		return radio.ErrNotStarted
	}
	s.started = 0
	s.up = 0
	s.cancelTimersLocked()
	s.queueStatusLocked(radio.StateNotReady)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Deinit implements radio.Stack.
func (s *Stack) Deinit(h *radio.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHandle(h); err != nil {
		return err
	}
	s.cancelTimersLocked()
	s.handle = nil
	s.cb = nil
	s.started = 0
	s.up = 0
	s.pending = nil
	return nil
}

// Process implements radio.Stack.
func (s *Stack) Process(h *radio.Handle) error {
	s.mu.Lock()
	if err := s.checkHandle(h); err != nil {
		s.mu.Unlock()
		return err
	}
	pending := s.pending
	s.pending = nil
	cb := s.cb
	s.mu.Unlock()

	if cb == nil {
		return nil
	}
	for _, fn := range pending {
		fn(cb)
	}
	return nil
}

// Send implements radio.Stack.
func (s *Stack) Send(h *radio.Handle, payload []byte, desc *radio.Descriptor) error {
	s.mu.Lock()
	if err := s.checkHandle(h); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.started == 0 {
		s.mu.Unlock()
		return radio.ErrNotStarted
	}
	if !s.up.Has(desc.Link) {
		s.mu.Unlock()
		return errors.Wrapf(radio.ErrLinkDown, "send on %s", desc.Link)
	}

	s.nextID++
	desc.ID = s.nextID
	d := *desc
	if s.failN > 0 {
		s.failN--
		s.pending = append(s.pending, func(cb radio.Callbacks) {
			cb.OnSendError(errors.Wrap(radio.ErrStack, "simulated send failure"), d)
		})
	} else {
		s.sent = append(s.sent, append([]byte(nil), payload...))
		s.pending = append(s.pending, func(cb radio.Callbacks) { cb.OnMessageSent(d) })
	}
	s.mu.Unlock()

	if len(payload) > 0 {
		t, total, idx := uplink.ParseHeader(payload[0])
		s.logger.Debugf("sim: message %d on %s (%s %d/%d): %s", d.ID, d.Link, t, idx, total, hex.EncodeToString(payload))
	}
	s.notify()
	return nil
}

// RequestConnection implements radio.Stack.
func (s *Stack) RequestConnection(h *radio.Handle, link radio.LinkMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHandle(h); err != nil {
		return err
	}
	if !s.started.Has(link) || !link.ConnectionOriented() {
		return errors.Wrapf(radio.ErrInvalidArgs, "connect %s", link)
	}
	if s.opts.ConnectDelay < 0 {
		return nil
	}

	handle := s.handle
	t := time.AfterFunc(s.opts.ConnectDelay, func() {
		s.mu.Lock()
		if s.handle != handle || !s.started.Has(link) {
			s.mu.Unlock()
			return
		}
		s.up |= link
		s.queueStatusLocked(radio.StateReady)
		s.mu.Unlock()
		s.notify()
	})
	s.timers = append(s.timers, t)
	return nil
}

// GPSTime implements radio.Stack.
func (s *Stack) GPSTime(h *radio.Handle) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHandle(h); err != nil {
		return 0, err
	}
	if s.started == 0 {
		return 0, radio.ErrTimeNotSynced
	}
	return radio.GPSSeconds(s.opts.Clock()), nil
}

// FailSends makes the next n sends report a send error.
func (s *Stack) FailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

// Sent returns copies of all successfully sent payloads.
func (s *Stack) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// DeliverDownlink queues a received message.
func (s *Stack) DeliverDownlink(link radio.LinkMask, payload []byte) {
	s.mu.Lock()
	s.nextID++
	d := radio.Descriptor{ID: s.nextID, Type: radio.MessageSet, Link: link}
	p := append([]byte(nil), payload...)
	s.pending = append(s.pending, func(cb radio.Callbacks) { cb.OnMessageReceived(d, p) })
	s.mu.Unlock()
	s.notify()
}

func (s *Stack) checkHandle(h *radio.Handle) error {
	if h == nil || s.handle == nil || h.ID != s.handle.ID {
		return radio.ErrNoHandle
	}
	return nil
}

func (s *Stack) queueStatusLocked(state radio.State) {
	st := radio.Status{
		State:      state,
		LinkStatus: s.up,
		Registered: true,
		TimeSynced: state == radio.StateReady,
	}
	s.pending = append(s.pending, func(cb radio.Callbacks) { cb.OnStatusChanged(st) })
}

func (s *Stack) cancelTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Stack) notify() {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnEvent(false)
	}
}
