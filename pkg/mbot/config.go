package mbot

import (
	"time"

	"github.com/robotalks/mbot.go/pkg/link"
)

// Defaults
const (
	DefaultExtensionID  = "mbot"
	DefaultPairingPin   = "1234"
	DefaultPollInterval = 150 * time.Millisecond
	// DefaultSendRateMax is the maximum number of sends per second.
	DefaultSendRateMax = 40
)

// DefaultFilter is the device class of the robot family.
var DefaultFilter = link.DeviceFilter{MajorDeviceClass: 8, MinorDeviceClass: 1}

// Config defines the session parameters.
type Config struct {
	ExtensionID  string
	Filter       link.DeviceFilter
	PairingPin   string
	PollInterval time.Duration
	// SendRateMax caps rate-limited sends per second. Zero takes
	// DefaultSendRateMax, a negative value disables the cap.
	SendRateMax int

	// OnStopAll is invoked by StopAll.
	OnStopAll func()
	// Discovered receives candidate devices during a scan.
	Discovered func(link.Peripheral)
}

// DefaultConfig returns the defaults of the robot family.
func DefaultConfig() Config {
	return Config{
		ExtensionID:  DefaultExtensionID,
		Filter:       DefaultFilter,
		PairingPin:   DefaultPairingPin,
		PollInterval: DefaultPollInterval,
		SendRateMax:  DefaultSendRateMax,
	}
}
