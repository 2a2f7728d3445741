// Package connection owns the radio stack session: its handle, lifecycle
// state and the connection wait for connection-oriented links.
package connection

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"asset-tracker/internal/radio"
	"asset-tracker/internal/timers"
)

// State is the session lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// LinkState tracks a connection request on a connection-oriented link.
type LinkState int

const (
	LinkDown LinkState = iota
	ConnectionRequested
	ConnectionWaiting
	LinkUp
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "link-down"
	case ConnectionRequested:
		return "connection-requested"
	case ConnectionWaiting:
		return "connection-waiting"
	case LinkUp:
		return "link-up"
	}
	return "unknown"
}

// WaitResult is the outcome of one connection-wait poll.
type WaitResult int

const (
	// Idle means no connection wait is in progress.
	Idle WaitResult = iota
	Waiting
	Up
	TimedOut
)

func (r WaitResult) String() string {
	switch r {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Up:
		return "up"
	case TimedOut:
		return "timed-out"
	}
	return "unknown"
}

var (
	ErrConnectionTimeout     = errors.New("connection timeout")
	ErrNotConnectionOriented = errors.New("link is not connection oriented")
	ErrLinkNotConfigured     = errors.New("link not in configured mask")
)

// Observer is notified of stack failures and successful starts. Both hooks
// run on the event loop.
type Observer interface {
	StackFailed(op string, err error)
	StackStarted(links radio.LinkMask)
}

// Options configure a Manager.
type Options struct {
	Config            radio.Config
	DefaultLink       radio.LinkMask
	ConnectionTimeout time.Duration
	// Purge empties the event queue; it runs after every stop.
	Purge    func() int
	Timer    timers.Timer
	Observer Observer
}

// Manager is the only code that calls the stack's lifecycle primitives.
// All methods must be called from the event loop.
type Manager struct {
	stack     radio.Stack
	callbacks radio.Callbacks
	logger    logrus.FieldLogger

	base        radio.Config
	config      radio.Config
	handle      *radio.Handle
	state       State
	linkState   LinkState
	running     radio.LinkMask
	activeLink  radio.LinkMask
	restoreLink radio.LinkMask
	narrowed    bool

	connTimeout time.Duration
	timer       timers.Timer
	purge       func() int
	observer    Observer
}

// NewManager creates a manager for stack. Nothing is initialised until Init.
func NewManager(stack radio.Stack, callbacks radio.Callbacks, opts Options, logger logrus.FieldLogger) (*Manager, error) {
	if opts.Config.LinkMask == 0 {
		return nil, errors.New("empty link mask")
	}
	if !opts.Config.LinkMask.Has(opts.DefaultLink) {
		return nil, errors.Wrapf(ErrLinkNotConfigured, "default link %s", opts.DefaultLink)
	}
	if opts.Timer == nil {
		opts.Timer = timers.NewConnTimer(nil)
	}
	if opts.Purge == nil {
		opts.Purge = func() int { return 0 }
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 30 * time.Second
	}

	return &Manager{
		stack:       stack,
		callbacks:   callbacks,
		logger:      logger,
		base:        opts.Config,
		config:      opts.Config,
		activeLink:  opts.DefaultLink,
		connTimeout: opts.ConnectionTimeout,
		timer:       opts.Timer,
		purge:       opts.Purge,
		observer:    opts.Observer,
	}, nil
}

// Init creates the stack session with the current configuration. An
// existing session is kept.
func (m *Manager) Init() error {
	if m.handle != nil {
		return nil
	}

	h, err := m.stack.Init(m.config, m.callbacks)
	if err != nil {
		err = errors.Wrapf(err, "init with links %s", m.config.LinkMask)
		m.failed("init", err)
		return err
	}
	m.handle = h
	m.logger.Infof("Radio stack initialized (links=%s)", m.config.LinkMask)
	return nil
}

// EnsureStarted starts the session on link unless it is already running.
// A failed start leaves the manager stopped; it is never retried here.
func (m *Manager) EnsureStarted(link radio.LinkMask) error {
	if m.state == StateRunning {
		return nil
	}
	if !m.config.LinkMask.Has(link) {
		return errors.Wrapf(ErrLinkNotConfigured, "start %s with links %s", link, m.config.LinkMask)
	}
	if err := m.Init(); err != nil {
		return err
	}

	m.state = StateStarting
	if err := m.stack.Start(m.handle, link); err != nil {
		m.state = StateStopped
		err = errors.Wrapf(err, "start %s", link)
		m.failed("start", err)
		return err
	}

	m.state = StateRunning
	m.running = link
	m.logger.Infof("Radio stack started on %s", link)
	if m.observer != nil {
		m.observer.StackStarted(link)
	}
	return nil
}

// Stop stops a running session and purges the event queue. It is a no-op
// when the session is not running.
func (m *Manager) Stop() error {
	if m.state != StateRunning {
		return nil
	}

	m.state = StateStopping
	err := m.stack.Stop(m.handle, m.running)
	m.state = StateStopped
	m.running = 0
	m.linkState = LinkDown
	m.timer.Stop()

	if n := m.purge(); n > 0 {
		m.logger.Debugf("Purged %d queued events after stop", n)
	}

	if err != nil {
		err = errors.Wrap(err, "stop")
		m.failed("stop", err)
		return err
	}
	m.logger.Debug("Radio stack stopped")
	return nil
}

// Process pumps pending stack work. Callbacks fire synchronously.
func (m *Manager) Process() error {
	if m.handle == nil {
		return nil
	}
	if err := m.stack.Process(m.handle); err != nil {
		return errors.Wrap(err, "process")
	}
	return nil
}

// Send hands one payload to the stack on the active link.
func (m *Manager) Send(payload []byte) (radio.Descriptor, error) {
	desc := radio.Descriptor{Type: radio.MessageNotify, Link: m.activeLink}
	if m.handle == nil || m.state != StateRunning {
		return desc, errors.Wrap(radio.ErrNotStarted, "send")
	}
	if err := m.stack.Send(m.handle, payload, &desc); err != nil {
		return desc, errors.Wrap(err, "send")
	}
	return desc, nil
}

// GPSTime returns the stack's synchronised GPS time.
func (m *Manager) GPSTime() (uint32, error) {
	if m.handle == nil {
		return 0, errors.Wrap(radio.ErrNoHandle, "gps time")
	}
	return m.stack.GPSTime(m.handle)
}

// RequestConnection asks the stack to bring up the active link and arms the
// connection timer.
func (m *Manager) RequestConnection() error {
	if !m.activeLink.ConnectionOriented() {
		return errors.Wrapf(ErrNotConnectionOriented, "request connection on %s", m.activeLink)
	}
	if m.state != StateRunning {
		return errors.Wrap(radio.ErrNotStarted, "request connection")
	}

	m.linkState = ConnectionRequested
	if err := m.stack.RequestConnection(m.handle, m.activeLink); err != nil {
		m.linkState = LinkDown
		err = errors.Wrapf(err, "request connection on %s", m.activeLink)
		m.failed("connect", err)
		return err
	}

	m.timer.Start(m.connTimeout)
	m.linkState = ConnectionWaiting
	m.logger.Debugf("Connection requested on %s, waiting up to %v", m.activeLink, m.connTimeout)
	return nil
}

// PollConnectionWait checks one connection-wait step against the latest
// stack status. The caller reposts its tick while the result is Waiting.
func (m *Manager) PollConnectionWait(ready bool, linkStatus radio.LinkMask) WaitResult {
	switch m.linkState {
	case LinkUp:
		return Up
	case ConnectionWaiting:
	default:
		return Idle
	}

	if ready && linkStatus.Has(m.activeLink) {
		m.timer.Stop()
		m.linkState = LinkUp
		m.logger.Infof("Link %s is up", m.activeLink)
		return Up
	}
	if m.timer.Expired() {
		m.timer.Stop()
		m.linkState = LinkDown
		m.logger.Warnf("Timed out waiting for %s connection after %v", m.activeLink, m.connTimeout)
		return TimedOut
	}
	return Waiting
}

// SwitchLink tears the session down and reinitialises it restricted to
// link, which also becomes the active link. The session is left stopped.
func (m *Manager) SwitchLink(link radio.LinkMask) error {
	if !m.base.LinkMask.Has(link) {
		return errors.Wrapf(ErrLinkNotConfigured, "switch to %s", link)
	}
	if !m.narrowed {
		m.restoreLink = m.activeLink
	}

	m.teardown()
	m.config.LinkMask = link
	m.activeLink = link
	m.narrowed = link != m.base.LinkMask
	m.logger.Infof("Switching radio stack to %s", link)
	return m.Init()
}

// Restore returns to the full multi-link configuration and the active link
// in use before the last SwitchLink. Calling it when not narrowed still
// reinitialises the session.
func (m *Manager) Restore() error {
	m.teardown()
	m.config = m.base
	if m.narrowed {
		m.activeLink = m.restoreLink
	}
	m.narrowed = false
	m.logger.Infof("Restoring radio stack to %s (active %s)", m.base.LinkMask, m.activeLink)
	return m.Init()
}

// SelectLink changes the link used for uplinks without touching the
// session configuration.
func (m *Manager) SelectLink(link radio.LinkMask) error {
	if !m.config.LinkMask.Has(link) {
		return errors.Wrapf(ErrLinkNotConfigured, "select %s", link)
	}
	if m.activeLink != link {
		m.logger.Infof("Active link changed %s -> %s", m.activeLink, link)
	}
	m.activeLink = link
	return nil
}

// Reset drops the session after an out-of-band radio recovery.
func (m *Manager) Reset() {
	m.teardown()
	m.config = m.base
	if m.narrowed {
		m.activeLink = m.restoreLink
	}
	m.narrowed = false
}

// Close stops and deinitialises the session.
func (m *Manager) Close() {
	m.teardown()
}

func (m *Manager) teardown() {
	if m.state == StateRunning {
		if err := m.Stop(); err != nil {
			m.logger.Warnf("Stop during teardown failed: %v", err)
		}
	}
	if m.handle != nil {
		if err := m.stack.Deinit(m.handle); err != nil {
			m.logger.Warnf("Deinit failed: %v", err)
		}
		m.handle = nil
	}
	m.state = StateStopped
	m.linkState = LinkDown
	m.timer.Stop()
}

func (m *Manager) failed(op string, err error) {
	m.logger.Errorf("Radio stack %s failed: %v", op, err)
	if m.observer != nil {
		m.observer.StackFailed(op, err)
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State { return m.state }

// LinkState returns the connection sub-state.
func (m *Manager) LinkState() LinkState { return m.linkState }

// Running reports whether the session is started.
func (m *Manager) Running() bool { return m.state == StateRunning }

// Initialized reports whether a session handle exists.
func (m *Manager) Initialized() bool { return m.handle != nil }

// ActiveLink returns the link uplinks are sent on.
func (m *Manager) ActiveLink() radio.LinkMask { return m.activeLink }

// ConfiguredLinks returns the current session link mask.
func (m *Manager) ConfiguredLinks() radio.LinkMask { return m.config.LinkMask }

// Narrowed reports whether the session is restricted by SwitchLink.
func (m *Manager) Narrowed() bool { return m.narrowed }
