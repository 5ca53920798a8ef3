package env

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/mbot.go/pkg/link"
	"github.com/robotalks/mbot.go/pkg/link/mqtt"
	"github.com/robotalks/mbot.go/pkg/link/scratchlink"
	"github.com/robotalks/mbot.go/pkg/link/serial"
	"github.com/robotalks/mbot.go/pkg/mbot"
)

// Config provides common options to set up a session.
type Config struct {
	// LinkURL selects the transport:
	//   ws://, wss://             Scratch Link
	//   serial:///dev/rfcomm0     local serial port, ?baud= optional
	//   mqtt://host:port/prefix/  robots behind a bridge
	LinkURL      string        `yaml:"link"`
	ExtensionID  string        `yaml:"extension-id"`
	PairingPin   string        `yaml:"pin"`
	PollInterval time.Duration `yaml:"poll-interval"`
	SendRateMax  int           `yaml:"send-rate"`
	// Peripheral is connected right after the scan when set.
	Peripheral string `yaml:"peripheral"`

	// ConfigFile is a YAML file loaded by Load.
	ConfigFile string `yaml:"-"`
}

var defaultConfig = Config{
	LinkURL:      scratchlink.DefaultURL,
	ExtensionID:  mbot.DefaultExtensionID,
	PairingPin:   mbot.DefaultPairingPin,
	PollInterval: mbot.DefaultPollInterval,
	SendRateMax:  mbot.DefaultSendRateMax,
}

func init() {
	if val := os.Getenv("MBOT_LINK_URL"); val != "" {
		defaultConfig.LinkURL = val
	}
	if val := os.Getenv("MBOT_EXTENSION_ID"); val != "" {
		defaultConfig.ExtensionID = val
	}
	if val := os.Getenv("MBOT_PAIRING_PIN"); val != "" {
		defaultConfig.PairingPin = val
	}
	if val := os.Getenv("MBOT_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			defaultConfig.PollInterval = d
		}
	}
	if val := os.Getenv("MBOT_SEND_RATE_MAX"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			defaultConfig.SendRateMax = n
		}
	}
	if val := os.Getenv("MBOT_PERIPHERAL"); val != "" {
		defaultConfig.Peripheral = val
	}
	if val := os.Getenv("MBOT_CONFIG"); val != "" {
		defaultConfig.ConfigFile = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.LinkURL, "link", defaultConfig.LinkURL, "Link URL: ws(s):// Scratch Link, serial:///dev/PORT, mqtt://broker/prefix/.")
	flag.StringVar(&defaultConfig.ExtensionID, "extension-id", defaultConfig.ExtensionID, "Extension ID reported to the link.")
	flag.StringVar(&defaultConfig.PairingPin, "pin", defaultConfig.PairingPin, "Pairing PIN.")
	flag.DurationVar(&defaultConfig.PollInterval, "poll-interval", defaultConfig.PollInterval, "Poll interval while connected.")
	flag.IntVar(&defaultConfig.SendRateMax, "send-rate", defaultConfig.SendRateMax, "Maximum rate-limited sends per second, negative for unlimited.")
	flag.StringVar(&defaultConfig.Peripheral, "peripheral", defaultConfig.Peripheral, "Peripheral ID to connect after scanning.")
	flag.StringVar(&defaultConfig.ConfigFile, "config", defaultConfig.ConfigFile, "YAML config file, its values override flags.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// LoadFile overlays the values present in a YAML file.
func (c *Config) LoadFile(fn string) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// Load loads ConfigFile if set.
func (c *Config) Load() error {
	if c.ConfigFile == "" {
		return nil
	}
	return c.LoadFile(c.ConfigFile)
}

// MustLoad loads ConfigFile and fails on error.
func (c *Config) MustLoad() *Config {
	if err := c.Load(); err != nil {
		log.Fatalln(err)
	}
	return c
}

// SessionConfig converts to mbot.Config.
func (c *Config) SessionConfig() mbot.Config {
	conf := mbot.DefaultConfig()
	if c.ExtensionID != "" {
		conf.ExtensionID = c.ExtensionID
	}
	if c.PairingPin != "" {
		conf.PairingPin = c.PairingPin
	}
	if c.PollInterval > 0 {
		conf.PollInterval = c.PollInterval
	}
	if c.SendRateMax != 0 {
		conf.SendRateMax = c.SendRateMax
	}
	return conf
}

// NewFactory creates the link.Factory selected by LinkURL.
func (c *Config) NewFactory() (link.Factory, error) {
	u, err := url.Parse(c.LinkURL)
	if err != nil {
		return nil, fmt.Errorf("invalid link URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return scratchlink.NewFactory(c.LinkURL), nil
	case "serial":
		return newSerialFactory(u)
	case "mqtt", "tcp", "ssl":
		return mqtt.NewFactory(c.LinkURL)
	default:
		return nil, fmt.Errorf("unknown link URL scheme: %q", u.Scheme)
	}
}

func newSerialFactory(u *url.URL) (*serial.Factory, error) {
	var baud int
	if val := u.Query().Get("baud"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("invalid baud %q: %w", val, err)
		}
		baud = n
	}
	f := serial.NewFactory(baud)
	if port := u.Path; port != "" {
		f.Ports = func() ([]string, error) { return []string{port}, nil }
	}
	return f, nil
}

// MustNewFactory creates a link.Factory and fails on error.
func (c *Config) MustNewFactory() link.Factory {
	f, err := c.NewFactory()
	if err != nil {
		log.Fatalln(err)
	}
	return f
}

// NewSession creates a session on the selected transport.
func (c *Config) NewSession(ctx context.Context) (*mbot.Session, error) {
	f, err := c.NewFactory()
	if err != nil {
		return nil, err
	}
	return mbot.NewSession(ctx, f, c.SessionConfig()), nil
}

// MustNewSession creates a session and fails on error.
func (c *Config) MustNewSession(ctx context.Context) *mbot.Session {
	s, err := c.NewSession(ctx)
	if err != nil {
		log.Fatalln(err)
	}
	return s
}
