package usb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// USB sysfs driver directory
	USBDriverPath = "/sys/bus/usb/drivers/usb"

	// Timing
	DefaultUnbindWait = 2 * time.Second
	DefaultBindWait   = 3 * time.Second
)

// Recovery power-cycles the radio dongle by unbinding and rebinding it from
// the USB driver.
type Recovery struct {
	device     string
	driverPath string
	unbindWait time.Duration
	bindWait   time.Duration
	logger     func(string, ...interface{})
}

// NewRecovery creates a recovery helper for the given USB device (e.g. "1-1").
func NewRecovery(device string, logger func(string, ...interface{})) *Recovery {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	return &Recovery{
		device:     device,
		driverPath: USBDriverPath,
		unbindWait: DefaultUnbindWait,
		bindWait:   DefaultBindWait,
		logger:     logger,
	}
}

// WithDriverPath overrides the sysfs driver directory.
func (r *Recovery) WithDriverPath(path string) *Recovery {
	r.driverPath = path
	return r
}

// WithWaits overrides the settle times after unbind and bind.
func (r *Recovery) WithWaits(unbind, bind time.Duration) *Recovery {
	r.unbindWait = unbind
	r.bindWait = bind
	return r
}

// Unbind detaches the device from the driver
func (r *Recovery) Unbind() error {
	r.log("Unbinding radio %s...", r.device)

	if err := r.write("unbind"); err != nil {
		return errors.Wrap(err, "failed to unbind")
	}

	r.log("Radio unbound, waiting %v...", r.unbindWait)
	time.Sleep(r.unbindWait)
	return nil
}

// Bind attaches the device to the driver
func (r *Recovery) Bind() error {
	r.log("Binding radio %s...", r.device)

	if err := r.write("bind"); err != nil {
		return errors.Wrap(err, "failed to bind")
	}

	r.log("Radio bound, waiting %v for enumeration...", r.bindWait)
	time.Sleep(r.bindWait)
	return nil
}

// Recover performs a full unbind + bind cycle. It blocks for the settle
// times and must not run on the event loop.
func (r *Recovery) Recover() error {
	if r.device == "" {
		return errors.New("no radio USB device configured")
	}
	r.log("Starting radio USB recovery...")

	if err := r.Unbind(); err != nil {
		return errors.Wrap(err, "USB recovery failed during unbind")
	}

	if err := r.Bind(); err != nil {
		return errors.Wrap(err, "USB recovery failed during bind")
	}

	r.log("Radio USB recovery complete")
	return nil
}

func (r *Recovery) write(op string) error {
	path := filepath.Join(r.driverPath, op)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	if _, err := f.WriteString(r.device); err != nil {
		return errors.Wrapf(err, "failed to write to %s", path)
	}
	return nil
}

func (r *Recovery) log(format string, args ...interface{}) {
	r.logger("[USB] "+format, args...)
}
