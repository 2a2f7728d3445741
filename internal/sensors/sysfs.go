package sensors

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Hwmon reads temperature and humidity from a hwmon directory such as
// /sys/class/hwmon/hwmon1 (values in milli-units).
type Hwmon struct {
	Dir string
}

// Climate implements ClimateReader.
func (h Hwmon) Climate() (float64, float64, error) {
	temp, err := readFloat(filepath.Join(h.Dir, "temp1_input"))
	if err != nil {
		return 0, 0, err
	}
	hum, err := readFloat(filepath.Join(h.Dir, "humidity1_input"))
	if err != nil {
		return 0, 0, err
	}
	return temp / 1000, hum / 1000, nil
}

// IIOAccel reads an accelerometer from an IIO device directory such as
// /sys/bus/iio/devices/iio:device0.
type IIOAccel struct {
	Dir string
}

// Acceleration implements MotionReader.
func (a IIOAccel) Acceleration() (float64, float64, float64, error) {
	scale, err := readFloat(filepath.Join(a.Dir, "in_accel_scale"))
	if err != nil {
		return 0, 0, 0, err
	}

	var axes [3]float64
	for i, axis := range []string{"x", "y", "z"} {
		raw, err := readFloat(filepath.Join(a.Dir, "in_accel_"+axis+"_raw"))
		if err != nil {
			return 0, 0, 0, err
		}
		axes[i] = raw * scale
	}
	return axes[0], axes[1], axes[2], nil
}

func readFloat(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", path)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", path)
	}
	return v, nil
}
