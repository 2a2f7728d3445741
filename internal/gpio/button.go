// Package gpio handles the user button and the status LED through the GPIO
// character device.
package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

const (
	DefaultLongPress = 3 * time.Second
	DefaultDebounce  = 20 * time.Millisecond
)

// Press is a completed button press.
type Press int

const (
	ShortPress Press = iota
	LongPress
)

func (p Press) String() string {
	if p == LongPress {
		return "long"
	}
	return "short"
}

// Button reports presses on an active-low input line. A press is classified
// on release by how long the button was held.
type Button struct {
	chip      string
	offset    int
	longPress time.Duration
	onPress   func(Press)
	logger    func(string, ...interface{})

	mu        sync.Mutex
	line      *gpiocdev.Line
	pressed   bool
	pressedAt time.Duration
}

// NewButton creates a button; onPress is called from the gpiocdev event
// goroutine and must not block.
func NewButton(chip string, offset int, longPress time.Duration, onPress func(Press), logger func(string, ...interface{})) *Button {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if longPress <= 0 {
		longPress = DefaultLongPress
	}
	return &Button{
		chip:      chip,
		offset:    offset,
		longPress: longPress,
		onPress:   onPress,
		logger:    logger,
	}
}

// Init requests the line with edge detection on both edges.
func (b *Button) Init() error {
	line, err := gpiocdev.RequestLine(b.chip, b.offset,
		gpiocdev.AsInput,
		gpiocdev.AsActiveLow,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(DefaultDebounce),
		gpiocdev.WithEventHandler(b.handleEvent),
		gpiocdev.WithConsumer("tracker-button"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to request button line")
	}

	b.mu.Lock()
	b.line = line
	b.mu.Unlock()
	b.log("Button initialized (chip=%s, line=%d, long press %v)", b.chip, b.offset, b.longPress)
	return nil
}

func (b *Button) Close() error {
	b.mu.Lock()
	line := b.line
	b.line = nil
	b.mu.Unlock()

	if line == nil {
		return nil
	}
	return line.Close()
}

func (b *Button) handleEvent(evt gpiocdev.LineEvent) {
	b.mu.Lock()
	var (
		press Press
		fire  bool
	)
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		b.pressed = true
		b.pressedAt = evt.Timestamp
	case gpiocdev.LineEventFallingEdge:
		if b.pressed {
			held := evt.Timestamp - b.pressedAt
			press = ShortPress
			if held >= b.longPress {
				press = LongPress
			}
			fire = true
		}
		b.pressed = false
	}
	b.mu.Unlock()

	if fire && b.onPress != nil {
		b.log("%s press", press)
		b.onPress(press)
	}
}

func (b *Button) log(format string, args ...interface{}) {
	b.logger("[GPIO] "+format, args...)
}
