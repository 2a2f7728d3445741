// Package shell parses operator commands received over the command channel.
// Parsing never panics; malformed input yields ErrConfiguration.
package shell

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"asset-tracker/internal/location"
	"asset-tracker/internal/radio"
)

var ErrConfiguration = errors.New("configuration error")

// RSSI bounds accepted for workshop access points, in dBm.
const (
	MinWorkshopRSSI = -90
	MaxWorkshopRSSI = -20
)

// Kind identifies a parsed command.
type Kind int

const (
	CmdScan Kind = iota + 1
	CmdLink
	CmdLocationSend
	CmdLocationScan
	CmdLocationStatus
	CmdWorkshopEnable
	CmdWorkshopDisable
	CmdWorkshopMAC
	CmdWorkshopStatus
)

func (k Kind) String() string {
	switch k {
	case CmdScan:
		return "scan"
	case CmdLink:
		return "link"
	case CmdLocationSend:
		return "location send"
	case CmdLocationScan:
		return "location scan"
	case CmdLocationStatus:
		return "location status"
	case CmdWorkshopEnable:
		return "workshop enable"
	case CmdWorkshopDisable:
		return "workshop disable"
	case CmdWorkshopMAC:
		return "workshop mac"
	case CmdWorkshopStatus:
		return "workshop status"
	}
	return "unknown"
}

// Command is a validated operator command. Only the fields relevant to Kind
// are set.
type Command struct {
	Kind   Kind
	Link   radio.LinkMask
	Effort location.Effort
	Slot   int
	MAC    [6]byte
	RSSI   int8
}

// Usage lists the accepted commands.
const Usage = `scan
link <ble|fsk|lora>
location send [1|3|4]
location scan [3|4]
location status
workshop enable|disable|status
workshop mac <1|2> <aa:bb:cc:dd:ee:ff> <-RSSI>`

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Parse parses one command line.
func Parse(line string) (Command, error) {
	args := strings.Fields(strings.ToLower(line))
	if len(args) == 0 {
		return Command{}, invalid("empty command")
	}

	switch args[0] {
	case "scan":
		if len(args) != 1 {
			return Command{}, invalid("scan takes no arguments")
		}
		return Command{Kind: CmdScan}, nil
	case "link":
		if len(args) != 2 {
			return Command{}, invalid("usage: link <ble|fsk|lora>")
		}
		link, err := radio.ParseLink(args[1])
		if err != nil || link == 0 || link&(link-1) != 0 {
			return Command{}, invalid("link must be one of ble, fsk, lora")
		}
		return Command{Kind: CmdLink, Link: link}, nil
	case "location":
		return parseLocation(args[1:])
	case "workshop":
		return parseWorkshop(args[1:])
	}
	return Command{}, invalid("unknown command %q", args[0])
}

func parseLocation(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, invalid("usage: location send|scan|status")
	}
	switch args[0] {
	case "status":
		if len(args) != 1 {
			return Command{}, invalid("location status takes no arguments")
		}
		return Command{Kind: CmdLocationStatus}, nil
	case "send":
		effort, err := parseEffort(args[1:], location.EffortPing, location.EffortWiFi, location.EffortSatellite)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdLocationSend, Effort: effort}, nil
	case "scan":
		effort, err := parseEffort(args[1:], location.EffortWiFi, location.EffortSatellite)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdLocationScan, Effort: effort}, nil
	}
	return Command{}, invalid("unknown location command %q", args[0])
}

func parseEffort(args []string, allowed ...location.Effort) (location.Effort, error) {
	switch len(args) {
	case 0:
		return location.EffortDefault, nil
	case 1:
	default:
		return 0, invalid("too many arguments")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, invalid("effort %q is not a number", args[0])
	}
	for _, e := range allowed {
		if location.Effort(n) == e {
			return e, nil
		}
	}
	if location.Effort(n) == location.EffortLongRange {
		return 0, invalid("effort %d: %v", n, location.ErrUnsupportedEffort)
	}
	return 0, invalid("effort %d not accepted here", n)
}

func parseWorkshop(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, invalid("usage: workshop enable|disable|status|mac")
	}
	switch args[0] {
	case "enable":
		return Command{Kind: CmdWorkshopEnable}, nil
	case "disable":
		return Command{Kind: CmdWorkshopDisable}, nil
	case "status":
		if len(args) != 1 {
			return Command{}, invalid("workshop status takes no arguments")
		}
		return Command{Kind: CmdWorkshopStatus}, nil
	case "mac":
		if len(args) != 4 {
			return Command{}, invalid("usage: workshop mac <1|2> <aa:bb:cc:dd:ee:ff> <-RSSI>")
		}
		slot, err := strconv.Atoi(args[1])
		if err != nil || slot < 1 || slot > 2 {
			return Command{}, invalid("slot must be 1 or 2")
		}
		mac, err := ParseMAC(args[2])
		if err != nil {
			return Command{}, err
		}
		rssi, err := ParseRSSI(args[3])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdWorkshopMAC, Slot: slot, MAC: mac, RSSI: rssi}, nil
	}
	return Command{}, invalid("unknown workshop command %q", args[0])
}

// ParseMAC parses a colon separated MAC address (aa:bb:cc:dd:ee:ff).
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if len(s) != 17 {
		return mac, invalid("MAC %q must be 17 characters", s)
	}
	for i := 0; i < 6; i++ {
		if i > 0 && s[3*i-1] != ':' {
			return mac, invalid("MAC %q must be colon separated", s)
		}
		b, err := hex.DecodeString(s[3*i : 3*i+2])
		if err != nil {
			return mac, invalid("MAC %q: %v", s, err)
		}
		mac[i] = b[0]
	}
	return mac, nil
}

// ParseRSSI parses a negative signal level such as -65.
func ParseRSSI(s string) (int8, error) {
	if !strings.HasPrefix(s, "-") {
		return 0, invalid("RSSI %q must be negative", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid("RSSI %q is not a number", s)
	}
	if n < MinWorkshopRSSI || n > MaxWorkshopRSSI {
		return 0, invalid("RSSI %d outside %d..%d", n, MinWorkshopRSSI, MaxWorkshopRSSI)
	}
	return int8(n), nil
}
