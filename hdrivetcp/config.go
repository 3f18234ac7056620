package hdrivetcp

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/soypat/hdrive"
	"golang.org/x/exp/slog"
)

// MotionDefaults holds the values used for fields a motion call does not set.
type MotionDefaults struct {
	Speed  int32 `toml:"speed"`
	Torque int32 `toml:"torque"` // 1000 is 100%.
	Acc    int32 `toml:"acc"`
	Decc   int32 `toml:"decc"`
}

// ClientConfig provides configuration parameters to NewClient.
type ClientConfig struct {
	// Host is the drive's IP address or hostname, i.e: "192.168.122.102".
	Host string `toml:"host"`
	// TCPPort is the command port. Defaults to 1000.
	TCPPort int `toml:"tcp_port"`
	// UDPPort is the local telemetry port. If zero it is read from the drive
	// (m4s17) while connecting, falling back to 1001.
	UDPPort int `toml:"udp_port"`

	// DialTimeout bounds opening the TCP connection.
	DialTimeout time.Duration `toml:"dial_timeout"`
	// ExchangeTimeout bounds a single request-response exchange.
	ExchangeTimeout time.Duration `toml:"exchange_timeout"`
	// ReceiveTimeout is how long the telemetry receiver blocks on the UDP
	// socket before checking whether it has been asked to stop.
	ReceiveTimeout time.Duration `toml:"receive_timeout"`
	// StopTimeout bounds how long Close waits for the receiver to exit.
	StopTimeout time.Duration `toml:"stop_timeout"`
	// WriteSettle is a pause after each object write. The drive sends no
	// reply to writes and needs time to process one before the next request.
	WriteSettle time.Duration `toml:"write_settle"`

	// MinFirmware is the lowest accepted firmware version (m3s0).
	MinFirmware int32 `toml:"min_firmware"`
	// SkipFirmwareCheck disables the firmware gate for drives speaking the
	// simpler protocol variant.
	SkipFirmwareCheck bool `toml:"skip_firmware_check"`
	// TicketProtocol is written to m4s22 to select the telemetry encoding.
	TicketProtocol int32 `toml:"ticket_protocol"`
	// VerifyWrites reads back every object write and fails with a
	// *hdrive.ProtocolError if the drive did not store the value.
	VerifyWrites bool `toml:"verify_writes"`
	// ReadBuffer sets the telemetry socket's receive buffer size if positive.
	ReadBuffer int `toml:"read_buffer"`

	Defaults MotionDefaults `toml:"defaults"`

	Logger *slog.Logger `toml:"-"`
}

// DefaultClientConfig returns the configuration used for zero fields.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TCPPort:         hdrive.DefaultTCPPort,
		DialTimeout:     5 * time.Second,
		ExchangeTimeout: 5 * time.Second,
		ReceiveTimeout:  500 * time.Millisecond,
		StopTimeout:     2 * time.Second,
		WriteSettle:     time.Millisecond,
		MinFirmware:     hdrive.MinFirmwareVersion,
		TicketProtocol:  hdrive.TicketBinary,
		Defaults: MotionDefaults{
			Speed:  100,
			Torque: 200,
			Acc:    5000,
			Decc:   5000,
		},
	}
}

// LoadClientConfig reads a TOML client configuration. Keys missing from
// the file keep their DefaultClientConfig value. Durations are strings
// such as "500ms".
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return ClientConfig{}, fmt.Errorf("load client config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (cfg ClientConfig) Validate() error {
	if cfg.Host == "" {
		return errors.New("host is required")
	}
	if cfg.TCPPort < 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range", cfg.TCPPort)
	}
	if cfg.UDPPort < 0 || cfg.UDPPort > 65535 {
		return fmt.Errorf("udp_port %d out of range", cfg.UDPPort)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"dial_timeout", cfg.DialTimeout},
		{"exchange_timeout", cfg.ExchangeTimeout},
		{"receive_timeout", cfg.ReceiveTimeout},
		{"stop_timeout", cfg.StopTimeout},
		{"write_settle", cfg.WriteSettle},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", d.name, d.v)
		}
	}
	if cfg.MinFirmware < 0 {
		return fmt.Errorf("min_firmware must be non-negative, got %d", cfg.MinFirmware)
	}
	return nil
}

// withDefaults fills zero valued fields from DefaultClientConfig.
func (cfg ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if cfg.TCPPort == 0 {
		cfg.TCPPort = def.TCPPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = def.ReceiveTimeout
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.WriteSettle == 0 {
		cfg.WriteSettle = def.WriteSettle
	}
	if cfg.MinFirmware == 0 {
		cfg.MinFirmware = def.MinFirmware
	}
	if cfg.TicketProtocol == 0 {
		cfg.TicketProtocol = def.TicketProtocol
	}
	if cfg.Defaults == (MotionDefaults{}) {
		cfg.Defaults = def.Defaults
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg
}
