package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// Default status LED timing
const (
	DefaultPulse = 200 * time.Millisecond
	DefaultGap   = 200 * time.Millisecond
)

// outputLine is the subset of *gpiocdev.Line used by LED.
type outputLine interface {
	SetValue(int) error
	Close() error
}

// LED drives a status LED on a GPIO output line. Blinks from concurrent
// callers run one after another.
type LED struct {
	chip   string
	offset int
	logger func(string, ...interface{})

	mu   sync.Mutex
	line outputLine
}

// NewLED creates an LED controller; call Init before use.
func NewLED(chip string, offset int, logger func(string, ...interface{})) *LED {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	return &LED{chip: chip, offset: offset, logger: logger}
}

// Init requests the GPIO line as output, initially off
func (l *LED) Init() error {
	line, err := gpiocdev.RequestLine(l.chip, l.offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("tracker-led"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to request LED line")
	}

	l.mu.Lock()
	l.line = line
	l.mu.Unlock()
	l.log("LED initialized (chip=%s, line=%d)", l.chip, l.offset)
	return nil
}

// Close releases the GPIO line
func (l *LED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil
	}

	err := l.line.Close()
	l.line = nil
	return err
}

// Set switches the LED on or off.
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setLocked(on)
}

func (l *LED) setLocked(on bool) error {
	if l.line == nil {
		return errors.New("LED not initialized")
	}
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(l.line.SetValue(v), "failed to set LED")
}

// Blink flashes the LED n times. It blocks for n*(pulse+gap).
func (l *LED) Blink(n int, pulse, gap time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := l.setLocked(true); err != nil {
			return err
		}
		time.Sleep(pulse)
		if err := l.setLocked(false); err != nil {
			return err
		}
		time.Sleep(gap)
	}
	return nil
}

func (l *LED) log(format string, args ...interface{}) {
	l.logger("[GPIO] "+format, args...)
}
