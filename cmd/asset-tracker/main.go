package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"asset-tracker/internal/config"
	"asset-tracker/internal/gnss"
	"asset-tracker/internal/gpio"
	"asset-tracker/internal/location"
	"asset-tracker/internal/metrics"
	"asset-tracker/internal/radio/simstack"
	"asset-tracker/internal/redis"
	"asset-tracker/internal/sensors"
	"asset-tracker/internal/service"
	"asset-tracker/internal/usb"
	"asset-tracker/internal/wifi"
)

var version = "dev" // Default version, can be overridden during build

func main() {
	// Create config first to register all flags
	cfg := config.New()

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("asset-tracker %s\n", version)
		return
	}

	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sens := sensorProbe(cfg, logger)
	go sens.RunSampler(ctx, sensors.DefaultSampleInterval, logger.Debugf)

	deps := service.Deps{
		Stack:     simstack.New(simstack.Options{ConnectDelay: 500 * time.Millisecond}, logger.WithField("component", "simstack")),
		Satellite: satelliteScanner(cfg, logger),
		Sensors:   sens,
	}
	live := wifiScanner(cfg, logger)
	deps.WiFi = live
	static := wifi.NewStatic(logger.Infof)
	deps.Workshop = wifi.NewSelector(live, static)

	if cfg.RadioUSBDevice != "" {
		deps.Recovery = usb.NewRecovery(cfg.RadioUSBDevice, logger.Infof)
	}

	if cfg.MetricsAddr != "" {
		m, err := metrics.New(nil)
		if err != nil {
			logger.Fatalf("Failed to register metrics: %v", err)
		}
		deps.Metrics = m
		go serveMetrics(ctx, cfg.MetricsAddr, m, logger)
	}

	rc, err := redis.New(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatalf("Failed to create redis client: %v", err)
	}
	defer rc.Close()
	if err := rc.Ping(ctx); err != nil {
		logger.Warnf("Redis not reachable, state will not be published: %v", err)
	} else {
		deps.Publisher = rc
	}

	if cfg.LEDLine >= 0 {
		led := gpio.NewLED(cfg.LEDChip, cfg.LEDLine, logger.Infof)
		if err := led.Init(); err != nil {
			logger.Warnf("Status LED disabled: %v", err)
		} else {
			defer led.Close()
			deps.Indicator = led
		}
	}

	svc, err := service.New(cfg, deps, logger, version)
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	if deps.Publisher != nil {
		if err := rc.StartCommandHandler(ctx, func(line string) {
			_ = svc.HandleCommand(line)
		}); err != nil {
			logger.Warnf("Command channel disabled: %v", err)
		}
	}

	if cfg.ButtonLine >= 0 {
		button := gpio.NewButton(cfg.ButtonChip, cfg.ButtonLine, cfg.LongPress, func(p gpio.Press) {
			if p == gpio.LongPress {
				svc.Post(service.Event{Kind: service.EventLongPress})
				return
			}
			svc.Post(service.Event{Kind: service.EventShortPress})
		}, logger.Infof)
		if err := button.Init(); err != nil {
			logger.Warnf("Button disabled: %v", err)
		} else {
			defer button.Close()
		}
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Fatalf("Service failed: %v", err)
	}
}

// newLogger skips timestamps when running under systemd/journald.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: os.Getenv("JOURNAL_STREAM") != "",
			FullTimestamp:    true,
		})
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func satelliteScanner(cfg *config.Config, logger *logrus.Logger) location.SatelliteScanner {
	if cfg.GNSSSerial != "" {
		logger.Infof("Satellite scans from NMEA receiver on %s", cfg.GNSSSerial)
		return gnss.NewNMEAScanner(cfg.GNSSSerial, cfg.GNSSBaud, cfg.GNSSTimeout, logger.Infof)
	}
	logger.Infof("Satellite scans from gpsd at %s", cfg.GpsdServer)
	return gnss.NewGpsdScanner(cfg.GpsdServer, cfg.GNSSTimeout, logger.Infof)
}

// wifiScanner returns nil for the static backend, which leaves the selector
// in workshop mode permanently.
func wifiScanner(cfg *config.Config, logger *logrus.Logger) location.WiFiScanner {
	if cfg.WiFiBackend == "static" {
		return nil
	}
	return wifi.NewWPAScanner(cfg.WiFiIface, cfg.WiFiTimeout, logger.Infof)
}

func sensorProbe(cfg *config.Config, logger *logrus.Logger) *sensors.Probe {
	var (
		battery sensors.BatteryReader
		climate sensors.ClimateReader
		motion  sensors.MotionReader
	)
	if up, err := sensors.NewUPower(logger.Infof); err != nil {
		logger.Warnf("Battery level unavailable: %v", err)
	} else {
		battery = up
	}
	if cfg.HwmonDir != "" {
		climate = sensors.Hwmon{Dir: cfg.HwmonDir}
	}
	if cfg.AccelDir != "" {
		motion = sensors.IIOAccel{Dir: cfg.AccelDir}
	}
	return sensors.NewProbe(battery, climate, motion, cfg.MotionThreshold)
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Collector, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("Metrics server failed: %v", err)
	}
}
