package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables for the stack and the transport. Zero values are
// filled from the `default` tags; a YAML file overlays on top of that.
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" default:"text"`

	Driver    DriverConfig    `yaml:"driver"`
	Stack     StackConfig     `yaml:"stack"`
	Transport TransportConfig `yaml:"transport"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// DriverConfig tunes the host BLE adapter.
type DriverConfig struct {
	// ConnectTimeout bounds one dial attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	// RequestedMTU is proposed to the peer once a link is up.
	RequestedMTU int `yaml:"requested_mtu" default:"517"`
	// OpQueueDepth bounds queued ATT operations per link.
	OpQueueDepth int `yaml:"op_queue_depth" default:"32"`
}

// StackConfig tunes the GATT client stack.
type StackConfig struct {
	// MaxIntents bounds connection intents per client kind.
	MaxIntents int `yaml:"max_intents" default:"4"`
	// EventQueueDepth is the per-client event ring capacity.
	EventQueueDepth int `yaml:"event_queue_depth" default:"32"`
	// NotifyBufferSize is the per-client notification byte buffer capacity.
	NotifyBufferSize int `yaml:"notify_buffer_size" default:"2048"`
	// NotifyPushTimeout bounds how long a transport waits for buffer space.
	NotifyPushTimeout time.Duration `yaml:"notify_push_timeout" default:"1s"`
	// PairingRequired gates virtual connections on link encryption.
	PairingRequired bool `yaml:"pairing_required" default:"true"`
}

// TransportConfig tunes the reliable serial transport sessions.
type TransportConfig struct {
	// DeviceSerial is advertised in reset requests, 12 bytes used.
	DeviceSerial string `yaml:"device_serial" default:"Q000GATTLINK"`
	// RecoveryMode restricts sessions to the system app UUID.
	RecoveryMode bool `yaml:"recovery_mode"`

	TickInterval    time.Duration `yaml:"tick_interval" default:"1s"`
	AckTimeoutTicks int           `yaml:"ack_timeout_ticks" default:"10"`

	// RXWindow and TXWindow are offered during the v1 handshake.
	RXWindow int `yaml:"rx_window" default:"25"`
	TXWindow int `yaml:"tx_window" default:"25"`

	// MaxDataTimeouts retransmissions before a session reset.
	MaxDataTimeouts int `yaml:"max_data_timeouts" default:"3"`
	// MaxResetAttempts resets before tearing the connection down.
	MaxResetAttempts int `yaml:"max_reset_attempts" default:"3"`
	// MaxDisconnects tolerated before the transport gives up on the device.
	MaxDisconnects int `yaml:"max_disconnects" default:"2"`

	// CoalescedAckMaxLatency flushes pending ACKs even below the count
	// threshold.
	CoalescedAckMaxLatency time.Duration `yaml:"coalesced_ack_max_latency" default:"200ms"`
}

// BridgeConfig tunes the PTY endpoints the bridge exposes.
type BridgeConfig struct {
	// TTYBufferSize is the per-endpoint ring capacity for bytes headed to
	// the terminal.
	TTYBufferSize int `yaml:"tty_buffer_size" default:"8192"`
	// PollTimeout bounds one poll wait on the PTY master. It caps shutdown
	// latency for the pump goroutines.
	PollTimeout time.Duration `yaml:"poll_timeout" default:"50ms"`
	// SymlinkPath, when set, is created as a symlink to the first
	// endpoint's tty device.
	SymlinkPath string `yaml:"symlink_path"`
}

// DefaultConfig returns configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the stack cannot operate with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Driver.ConnectTimeout <= 0 {
		return fmt.Errorf("driver.connect_timeout must be positive, got %s", c.Driver.ConnectTimeout)
	}
	if c.Driver.RequestedMTU < 23 || c.Driver.RequestedMTU > 517 {
		return fmt.Errorf("driver.requested_mtu must be in 23..517, got %d", c.Driver.RequestedMTU)
	}
	if c.Driver.OpQueueDepth < 1 {
		return fmt.Errorf("driver.op_queue_depth must be positive, got %d", c.Driver.OpQueueDepth)
	}
	if c.Stack.MaxIntents < 1 {
		return fmt.Errorf("stack.max_intents must be positive, got %d", c.Stack.MaxIntents)
	}
	if c.Stack.EventQueueDepth < 1 {
		return fmt.Errorf("stack.event_queue_depth must be positive, got %d", c.Stack.EventQueueDepth)
	}
	if c.Stack.NotifyBufferSize < 64 {
		return fmt.Errorf("stack.notify_buffer_size must be at least 64, got %d", c.Stack.NotifyBufferSize)
	}
	if c.Transport.RXWindow < 1 || c.Transport.RXWindow > 31 {
		return fmt.Errorf("transport.rx_window must be in 1..31, got %d", c.Transport.RXWindow)
	}
	if c.Transport.TXWindow < 1 || c.Transport.TXWindow > 31 {
		return fmt.Errorf("transport.tx_window must be in 1..31, got %d", c.Transport.TXWindow)
	}
	if c.Transport.TickInterval <= 0 {
		return fmt.Errorf("transport.tick_interval must be positive, got %s", c.Transport.TickInterval)
	}
	if len(c.Transport.DeviceSerial) > 12 {
		return fmt.Errorf("transport.device_serial must be at most 12 bytes, got %d", len(c.Transport.DeviceSerial))
	}
	if c.Bridge.TTYBufferSize < 1 {
		return fmt.Errorf("bridge.tty_buffer_size must be positive, got %d", c.Bridge.TTYBufferSize)
	}
	if c.Bridge.PollTimeout <= 0 {
		return fmt.Errorf("bridge.poll_timeout must be positive, got %s", c.Bridge.PollTimeout)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}
