package connection

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"asset-tracker/internal/radio"
)

type fakeStack struct {
	calls      []string
	inits      []radio.LinkMask
	startErr   error
	stopErr    error
	initErr    error
	connectErr error
	nextID     uint32
}

func (f *fakeStack) Init(cfg radio.Config, cb radio.Callbacks) (*radio.Handle, error) {
	f.calls = append(f.calls, "init")
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.inits = append(f.inits, cfg.LinkMask)
	f.nextID++
	return &radio.Handle{ID: f.nextID}, nil
}

func (f *fakeStack) Start(h *radio.Handle, links radio.LinkMask) error {
	f.calls = append(f.calls, "start:"+links.String())
	return f.startErr
}

func (f *fakeStack) Stop(h *radio.Handle, links radio.LinkMask) error {
	f.calls = append(f.calls, "stop")
	return f.stopErr
}

func (f *fakeStack) Deinit(h *radio.Handle) error {
	f.calls = append(f.calls, "deinit")
	return nil
}

func (f *fakeStack) Process(h *radio.Handle) error {
	f.calls = append(f.calls, "process")
	return nil
}

func (f *fakeStack) Send(h *radio.Handle, payload []byte, desc *radio.Descriptor) error {
	f.calls = append(f.calls, "send")
	desc.ID = 1
	return nil
}

func (f *fakeStack) RequestConnection(h *radio.Handle, link radio.LinkMask) error {
	f.calls = append(f.calls, "connect:"+link.String())
	return f.connectErr
}

func (f *fakeStack) GPSTime(h *radio.Handle) (uint32, error) {
	return 1000, nil
}

func (f *fakeStack) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	running bool
	expired bool
	started int
}

func (t *fakeTimer) Start(time.Duration) {
	t.running = true
	t.expired = false
	t.started++
}

func (t *fakeTimer) Stop() {
	t.running = false
	t.expired = false
}

func (t *fakeTimer) Expired() bool { return t.expired }

type recordingObserver struct {
	failures []string
	starts   int
}

func (o *recordingObserver) StackFailed(op string, err error) { o.failures = append(o.failures, op) }

func (o *recordingObserver) StackStarted(links radio.LinkMask) { o.starts++ }

type harness struct {
	stack  *fakeStack
	timer  *fakeTimer
	obs    *recordingObserver
	purges int
	mgr    *Manager
}

func newHarness(t *testing.T, defaultLink radio.LinkMask) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{stack: &fakeStack{}, timer: &fakeTimer{}, obs: &recordingObserver{}}
	mgr, err := NewManager(h.stack, nil, Options{
		Config:            radio.Config{LinkMask: radio.LinkBLE | radio.LinkLoRa},
		DefaultLink:       defaultLink,
		ConnectionTimeout: time.Second,
		Purge:             func() int { h.purges++; return 0 },
		Timer:             h.timer,
		Observer:          h.obs,
	}, logger)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func TestNewManagerRejectsUnknownDefaultLink(t *testing.T) {
	_, err := NewManager(&fakeStack{}, nil, Options{
		Config:      radio.Config{LinkMask: radio.LinkLoRa},
		DefaultLink: radio.LinkBLE,
	}, logrus.New())
	require.True(t, errors.Is(err, ErrLinkNotConfigured))
}

func TestEnsureStarted(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)

	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
	require.Equal(t, StateRunning, h.mgr.State())
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))

	require.Equal(t, []string{"init", "start:lora"}, h.stack.calls)
	require.Equal(t, 1, h.obs.starts)
}

func TestEnsureStartedFailure(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	h.stack.startErr = radio.ErrInvalidArgs

	err := h.mgr.EnsureStarted(radio.LinkLoRa)
	require.Error(t, err)
	require.True(t, radio.IsStackError(err))
	require.Equal(t, StateStopped, h.mgr.State())
	require.Equal(t, []string{"start"}, h.obs.failures)

	// a failed start is not retried until asked again
	require.Equal(t, 1, h.stack.count("start:lora"))
	h.stack.startErr = nil
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
	require.Equal(t, 1, h.stack.count("init"))
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)

	require.NoError(t, h.mgr.Stop())
	require.Zero(t, h.stack.count("stop"))
	require.Zero(t, h.purges)
	require.Equal(t, StateStopped, h.mgr.State())

	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
	require.NoError(t, h.mgr.Stop())
	require.Equal(t, 1, h.stack.count("stop"))
	require.Equal(t, 1, h.purges)

	require.NoError(t, h.mgr.Stop())
	require.Equal(t, 1, h.stack.count("stop"))
	require.Equal(t, 1, h.purges)
}

func TestStopFailureStillStopsAndPurges(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))

	h.stack.stopErr = radio.ErrStack
	require.Error(t, h.mgr.Stop())
	require.Equal(t, StateStopped, h.mgr.State())
	require.Equal(t, 1, h.purges)

	h.stack.stopErr = nil
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
}

func TestConnectionWait(t *testing.T) {
	h := newHarness(t, radio.LinkBLE)
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkBLE))

	require.Equal(t, Idle, h.mgr.PollConnectionWait(true, radio.LinkBLE))

	require.NoError(t, h.mgr.RequestConnection())
	require.Equal(t, ConnectionWaiting, h.mgr.LinkState())
	require.True(t, h.timer.running)

	require.Equal(t, Waiting, h.mgr.PollConnectionWait(true, 0))
	require.Equal(t, Waiting, h.mgr.PollConnectionWait(false, radio.LinkBLE))
	require.Equal(t, Up, h.mgr.PollConnectionWait(true, radio.LinkBLE))
	require.Equal(t, LinkUp, h.mgr.LinkState())
	require.False(t, h.timer.running, "timer must be disarmed once the link is up")
}

func TestConnectionWaitTimeout(t *testing.T) {
	h := newHarness(t, radio.LinkBLE)
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkBLE))
	require.NoError(t, h.mgr.RequestConnection())

	h.timer.expired = true
	require.Equal(t, TimedOut, h.mgr.PollConnectionWait(true, 0))
	require.Equal(t, LinkDown, h.mgr.LinkState())
	require.False(t, h.timer.running)
	require.Equal(t, Idle, h.mgr.PollConnectionWait(true, 0))
}

func TestRequestConnectionErrors(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
	require.True(t, errors.Is(h.mgr.RequestConnection(), ErrNotConnectionOriented))

	h = newHarness(t, radio.LinkBLE)
	require.True(t, errors.Is(h.mgr.RequestConnection(), radio.ErrNotStarted))

	require.NoError(t, h.mgr.EnsureStarted(radio.LinkBLE))
	h.stack.connectErr = radio.ErrStack
	require.Error(t, h.mgr.RequestConnection())
	require.Equal(t, LinkDown, h.mgr.LinkState())
	require.False(t, h.timer.running)
}

func TestSwitchLinkAndRestore(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))

	require.NoError(t, h.mgr.SwitchLink(radio.LinkBLE))
	require.Equal(t, radio.LinkBLE, h.mgr.ActiveLink())
	require.Equal(t, radio.LinkBLE, h.mgr.ConfiguredLinks())
	require.True(t, h.mgr.Narrowed())
	require.Equal(t, StateStopped, h.mgr.State())

	// repeated switches do not lose the link to restore
	require.NoError(t, h.mgr.SwitchLink(radio.LinkBLE))
	require.NoError(t, h.mgr.EnsureStarted(radio.LinkBLE))

	require.NoError(t, h.mgr.Restore())
	require.Equal(t, radio.LinkLoRa, h.mgr.ActiveLink())
	require.Equal(t, radio.LinkBLE|radio.LinkLoRa, h.mgr.ConfiguredLinks())
	require.False(t, h.mgr.Narrowed())

	require.Equal(t, []radio.LinkMask{
		radio.LinkBLE | radio.LinkLoRa,
		radio.LinkBLE,
		radio.LinkBLE,
		radio.LinkBLE | radio.LinkLoRa,
	}, h.stack.inits)
	require.Equal(t, 2, h.stack.count("stop"))
	require.Equal(t, 3, h.stack.count("deinit"))
}

func TestSwitchLinkRejectsUnknownLink(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	require.True(t, errors.Is(h.mgr.SwitchLink(radio.LinkFSK), ErrLinkNotConfigured))
	require.True(t, errors.Is(h.mgr.SelectLink(radio.LinkFSK), ErrLinkNotConfigured))
}

func TestSendRequiresRunning(t *testing.T) {
	h := newHarness(t, radio.LinkLoRa)
	_, err := h.mgr.Send([]byte{1})
	require.True(t, errors.Is(err, radio.ErrNotStarted))

	require.NoError(t, h.mgr.EnsureStarted(radio.LinkLoRa))
	desc, err := h.mgr.Send([]byte{1})
	require.NoError(t, err)
	require.Equal(t, uint16(1), desc.ID)
	require.Equal(t, radio.LinkLoRa, desc.Link)
}
