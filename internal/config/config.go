package config

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
	"asset-tracker/internal/shell"
	"asset-tracker/internal/uplink"
)

type Config struct {
	RedisURL    string
	MetricsAddr string
	Debug       bool
	LogFormat   string

	ScanInterval    time.Duration
	FirstScanDelay  time.Duration
	ButtonScanDelay time.Duration
	ConnTimeout     time.Duration
	ConnPoll        time.Duration
	QueueSize       int

	Stack       string
	Links       string
	Link        string
	MaxFragment int

	Policy        string
	MinSatellites int
	MinAPs        int
	MaxAPs        int
	StepDownAfter int

	GpsdServer  string
	GNSSSerial  string
	GNSSBaud    int
	GNSSTimeout time.Duration

	WiFiBackend string
	WiFiIface   string
	WiFiTimeout time.Duration
	Workshop    bool

	ButtonChip string
	ButtonLine int
	LEDChip    string
	LEDLine    int
	LongPress  time.Duration

	RadioUSBDevice string

	HwmonDir        string
	AccelDir        string
	MotionThreshold float64
}

// New registers the flags on the default flag set.
func New() *Config {
	return Register(flag.CommandLine)
}

// Register registers the flags on fs.
func Register(fs *flag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379", "Redis URL")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text|json)")

	fs.DurationVar(&cfg.ScanInterval, "scan-interval", 5*time.Minute, "Interval between location scans")
	fs.DurationVar(&cfg.FirstScanDelay, "first-scan-delay", 5*time.Second, "Delay before the first scan after the stack is ready")
	fs.DurationVar(&cfg.ButtonScanDelay, "button-scan-delay", 2*time.Second, "Delay before a button-triggered scan")
	fs.DurationVar(&cfg.ConnTimeout, "conn-timeout", 30*time.Second, "Connection establishment timeout")
	fs.DurationVar(&cfg.ConnPoll, "conn-poll", 20*time.Millisecond, "Connection wait poll interval")
	fs.IntVar(&cfg.QueueSize, "queue-size", 32, "Event queue capacity")

	fs.StringVar(&cfg.Stack, "stack", "sim", "Radio stack backend (sim)")
	fs.StringVar(&cfg.Links, "links", "ble|lora", "Links configured on the radio stack")
	fs.StringVar(&cfg.Link, "link", "lora", "Default uplink link (ble|fsk|lora)")
	fs.IntVar(&cfg.MaxFragment, "max-fragment", uplink.DefaultMaxFragmentSize, "Maximum uplink fragment size in bytes")

	fs.StringVar(&cfg.Policy, "policy", string(location.PolicySatelliteWiFi), "Location policy (wifi|gnss|gnss-wifi|tiered)")
	fs.IntVar(&cfg.MinSatellites, "min-satellites", location.DefaultMinSatellites, "Minimum satellites for a satellite result")
	fs.IntVar(&cfg.MinAPs, "min-aps", location.DefaultMinAccessPoints, "Minimum access points for a WiFi result")
	fs.IntVar(&cfg.MaxAPs, "max-aps", location.DefaultMaxAccessPoints, "Maximum access points reported")
	fs.IntVar(&cfg.StepDownAfter, "step-down-after", location.DefaultStepDownAfter, "Successful tiered cycles before stepping down")

	fs.StringVar(&cfg.GpsdServer, "gpsd-server", "localhost:2947", "GPSD server address")
	fs.StringVar(&cfg.GNSSSerial, "gnss-serial", "", "Serial NMEA receiver (overrides gpsd)")
	fs.IntVar(&cfg.GNSSBaud, "gnss-baud", 9600, "Serial NMEA baud rate")
	fs.DurationVar(&cfg.GNSSTimeout, "gnss-timeout", 60*time.Second, "Satellite scan timeout")

	fs.StringVar(&cfg.WiFiBackend, "wifi-backend", "wpa", "WiFi scanner backend (wpa|static)")
	fs.StringVar(&cfg.WiFiIface, "wifi-iface", "wlan0", "Wireless interface for scans")
	fs.DurationVar(&cfg.WiFiTimeout, "wifi-timeout", 10*time.Second, "WiFi scan timeout")
	fs.BoolVar(&cfg.Workshop, "workshop", false, "Start in workshop mode")

	fs.StringVar(&cfg.ButtonChip, "button-chip", "gpiochip0", "GPIO chip of the user button")
	fs.IntVar(&cfg.ButtonLine, "button-line", -1, "GPIO line of the user button (-1 disables)")
	fs.StringVar(&cfg.LEDChip, "led-chip", "gpiochip0", "GPIO chip of the status LED")
	fs.IntVar(&cfg.LEDLine, "led-line", -1, "GPIO line of the status LED (-1 disables)")
	fs.DurationVar(&cfg.LongPress, "long-press", 3*time.Second, "Button hold time for a long press")

	fs.StringVar(&cfg.RadioUSBDevice, "radio-usb-device", "", "USB device of the radio dongle for recovery (e.g. 1-1)")

	fs.StringVar(&cfg.HwmonDir, "hwmon-dir", "", "hwmon directory of the climate sensor (empty disables)")
	fs.StringVar(&cfg.AccelDir, "accel-dir", "", "IIO directory of the accelerometer (empty disables)")
	fs.Float64Var(&cfg.MotionThreshold, "motion-threshold", 1.5, "Deviation from 1 g in m/s² that counts as motion")

	return cfg
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(shell.ErrConfiguration, format, args...)
}

// Validate rejects malformed values.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"scan-interval": c.ScanInterval,
		"conn-timeout":  c.ConnTimeout,
		"conn-poll":     c.ConnPoll,
		"gnss-timeout":  c.GNSSTimeout,
		"wifi-timeout":  c.WiFiTimeout,
		"long-press":    c.LongPress,
	} {
		if d <= 0 {
			return invalid("-%s must be positive", name)
		}
	}
	if c.FirstScanDelay < 0 || c.ButtonScanDelay < 0 {
		return invalid("scan delays must not be negative")
	}
	if c.QueueSize < 4 {
		return invalid("-queue-size must be at least 4")
	}

	if c.Stack != "sim" {
		return invalid("unknown stack %q", c.Stack)
	}
	links, err := c.LinkMask()
	if err != nil {
		return err
	}
	link, err := c.DefaultLink()
	if err != nil {
		return err
	}
	if !links.Has(link) {
		return invalid("-link %s is not in -links %s", link, links)
	}
	if _, err := uplink.NewEncoder(c.MaxFragment); err != nil {
		return invalid("-max-fragment: %v", err)
	}

	if _, err := location.ParsePolicy(c.Policy); err != nil {
		return invalid("%v", err)
	}
	if c.MinSatellites <= 0 || c.MinAPs <= 0 || c.StepDownAfter <= 0 {
		return invalid("quality thresholds must be positive")
	}
	if c.MotionThreshold <= 0 {
		return invalid("-motion-threshold must be positive")
	}
	if c.MaxAPs < 0 {
		return invalid("-max-aps must not be negative")
	}

	switch c.WiFiBackend {
	case "wpa", "static":
	default:
		return invalid("unknown wifi backend %q", c.WiFiBackend)
	}
	if c.GNSSSerial != "" && c.GNSSBaud <= 0 {
		return invalid("-gnss-baud must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("unknown log format %q", c.LogFormat)
	}
	return nil
}

// LinkMask returns the configured links.
func (c *Config) LinkMask() (radio.LinkMask, error) {
	links, err := radio.ParseLink(c.Links)
	if err != nil {
		return 0, invalid("-links: %v", err)
	}
	return links, nil
}

// DefaultLink returns the single link used for uplinks.
func (c *Config) DefaultLink() (radio.LinkMask, error) {
	link, err := radio.ParseLink(c.Link)
	if err != nil {
		return 0, invalid("-link: %v", err)
	}
	if link&(link-1) != 0 {
		return 0, invalid("-link must name a single link")
	}
	return link, nil
}

// LongRangeLink returns the configured non-BLE link, preferring LoRa.
func (c *Config) LongRangeLink() radio.LinkMask {
	links, err := c.LinkMask()
	if err != nil {
		return 0
	}
	switch {
	case links.Has(radio.LinkLoRa):
		return radio.LinkLoRa
	case links.Has(radio.LinkFSK):
		return radio.LinkFSK
	}
	return 0
}
