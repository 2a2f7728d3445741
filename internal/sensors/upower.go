package sensors

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	upowerService   = "org.freedesktop.UPower"
	upowerDisplay   = "/org/freedesktop/UPower/devices/DisplayDevice"
	upowerPercent   = "org.freedesktop.UPower.Device.Percentage"
	upowerIsPresent = "org.freedesktop.UPower.Device.IsPresent"
)

// UPower reads the battery level from UPower's display device.
type UPower struct {
	conn   *dbus.Conn
	device dbus.ObjectPath
	logger func(string, ...interface{})
}

// NewUPower connects to the system bus.
func NewUPower(logger func(string, ...interface{})) (*UPower, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}

	u := &UPower{
		conn:   conn,
		device: upowerDisplay,
		logger: logger,
	}
	u.log("Reading battery from %s", u.device)
	return u, nil
}

// BatteryPercent implements BatteryReader.
func (u *UPower) BatteryPercent() (float64, error) {
	obj := u.conn.Object(upowerService, u.device)

	present, err := obj.GetProperty(upowerIsPresent)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read battery presence")
	}
	if ok, _ := present.Value().(bool); !ok {
		return 0, errors.New("no battery present")
	}

	v, err := obj.GetProperty(upowerPercent)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read battery percentage")
	}
	pct, ok := v.Value().(float64)
	if !ok {
		return 0, errors.Errorf("unexpected percentage type %T", v.Value())
	}
	return pct, nil
}

// Close is a no-op; the shared system bus connection stays open.
func (u *UPower) Close() error {
	return nil
}

func (u *UPower) log(format string, args ...interface{}) {
	u.logger("[UPower] "+format, args...)
}
