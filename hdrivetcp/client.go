package hdrivetcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/soypat/hdrive"
	"golang.org/x/exp/slog"
)

// Client is a session with one drive over a TCP command channel and a UDP
// telemetry channel. Its methods are safe for concurrent use.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	// lifecycle serializes Connect and Close.
	lifecycle sync.Mutex
	connected atomic.Bool
	info      SessionInfo
	rx        *receiver

	conn connState
	hub  telemetryHub
}

// SessionInfo describes a negotiated session.
type SessionInfo struct {
	// ID is a random identifier attached to the client's log records.
	ID       string
	Addr     string
	Firmware int32 // Zero when the firmware gate is skipped.
	// CommandPort is the command port the drive reports (m4s16), zero if unknown.
	CommandPort int32
	UDPPort     int
}

// NewClient returns a disconnected Client. Zero fields of cfg take their
// DefaultClientConfig value.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log := cfg.Logger.With("session", id, "drive", cfg.Host)
	c := &Client{
		cfg: cfg,
		log: log,
		hub: telemetryHub{log: log},
	}
	c.info.ID = id
	return c, nil
}

// Open returns a connected Client. The caller must Close it.
func Open(ctx context.Context, cfg ClientConfig) (*Client, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Run opens a session, calls fn and then commands the drive to disable and
// closes the session, whether fn returns an error, succeeds or panics. An
// error returned by fn takes precedence over cleanup errors.
func Run(ctx context.Context, cfg ClientConfig, fn func(ctx context.Context, c *Client) error) (err error) {
	c, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ExchangeTimeout)
		defer cancel()
		var stopErr error
		if c.Connected() {
			stopErr = c.Stop(stopCtx)
		}
		closeErr := c.Close()
		if err == nil {
			err = errors.Join(stopErr, closeErr)
		} else if stopErr != nil || closeErr != nil {
			c.log.Warn("cleanup after failed session", "stop_err", stopErr, "close_err", closeErr)
		}
	}()
	return fn(ctx, c)
}

// Connect opens the command channel, checks the firmware version, discovers
// the telemetry port, configures binary telemetry and starts the telemetry
// receiver. Connect on a connected Client is a no-op. On failure no socket
// is left open.
func (c *Client) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.connected.Load() {
		return nil
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.TCPPort))
	c.log.Info("connecting", "addr", addr)
	if err := c.conn.dial(ctx, addr, c.cfg.DialTimeout); err != nil {
		return err
	}
	info, err := c.negotiate(ctx)
	if err != nil {
		c.conn.close()
		return err
	}
	info.Addr = addr
	udp, err := c.listenTelemetry(info.UDPPort)
	if err != nil {
		c.conn.close()
		return err
	}
	c.hub.reset()
	c.rx = startReceiver(udp, &c.hub, c.cfg.ReceiveTimeout, c.log)
	info.ID = c.info.ID
	c.info = info
	c.connected.Store(true)
	c.log.Info("connected", "firmware", info.Firmware, "udp_port", info.UDPPort)
	return nil
}

// negotiate runs the object exchanges that set up a session.
func (c *Client) negotiate(ctx context.Context) (info SessionInfo, err error) {
	timeout := c.cfg.ExchangeTimeout
	if !c.cfg.SkipFirmwareCheck {
		info.Firmware, err = c.conn.readObject(ctx, hdrive.ObjFirmwareVersion, timeout)
		if isProtocolErr(err) {
			// Drives too old to know m3s0 reject the read.
			return info, &hdrive.FirmwareTooOldError{Minimum: c.cfg.MinFirmware, Err: err}
		} else if err != nil {
			return info, fmt.Errorf("read firmware version: %w", err)
		}
		c.log.Info("firmware version", "version", info.Firmware)
		if info.Firmware < c.cfg.MinFirmware {
			return info, &hdrive.FirmwareTooOldError{Version: info.Firmware, Minimum: c.cfg.MinFirmware}
		}
	}

	info.UDPPort = c.cfg.UDPPort
	if info.UDPPort == 0 {
		info.UDPPort = hdrive.DefaultUDPPort
		port, err := c.conn.readObject(ctx, hdrive.ObjUDPPort, timeout)
		switch {
		case err != nil && !isProtocolErr(err):
			return info, fmt.Errorf("read UDP port: %w", err)
		case err != nil:
			c.log.Debug("could not read UDP port, using default", "port", info.UDPPort, "err", err)
		case port > 0 && port <= 65535:
			info.UDPPort = int(port)
		}
	}

	port, err := c.conn.readObject(ctx, hdrive.ObjTCPPort, timeout)
	switch {
	case err != nil && !isProtocolErr(err):
		return info, fmt.Errorf("read TCP port: %w", err)
	case err != nil:
		c.log.Debug("could not read TCP port", "err", err)
	default:
		info.CommandPort = port
		if int(port) != c.cfg.TCPPort {
			c.log.Warn("drive reports a different command port", "reported", port, "dialed", c.cfg.TCPPort)
		}
	}

	for _, flag := range []hdrive.ObjectAddress{hdrive.ObjUDPEnabled, hdrive.ObjAutosend} {
		if err := c.ensureFlag(ctx, flag); err != nil {
			return info, err
		}
	}
	if err := c.writeObject(ctx, hdrive.ObjTicketProtocol, c.cfg.TicketProtocol); err != nil {
		return info, fmt.Errorf("select telemetry protocol: %w", err)
	}
	return info, nil
}

// ensureFlag sets the object at addr to 1 unless the drive already reports 1.
func (c *Client) ensureFlag(ctx context.Context, addr hdrive.ObjectAddress) error {
	v, err := c.conn.readObject(ctx, addr, c.cfg.ExchangeTimeout)
	if err != nil && !isProtocolErr(err) {
		return fmt.Errorf("read %s: %w", addr, err)
	}
	if err == nil && v == 1 {
		return nil
	}
	c.log.Debug("enabling telemetry flag", "object", addr.String(), "was", v)
	if err := c.writeObject(ctx, addr, 1); err != nil {
		if isProtocolErr(err) {
			c.log.Warn("could not enable telemetry flag", "object", addr.String(), "err", err)
			return nil
		}
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

func (c *Client) listenTelemetry(port int) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{Port: port}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &hdrive.ConnectionError{Op: "listen telemetry", Addr: laddr.String(), Err: err}
	}
	if c.cfg.ReadBuffer > 0 {
		if err := udp.SetReadBuffer(c.cfg.ReadBuffer); err != nil {
			c.log.Warn("could not set telemetry read buffer", "size", c.cfg.ReadBuffer, "err", err)
		}
	}
	return udp, nil
}

// Close commands the drive to disable, stops the telemetry receiver and
// closes both sockets. It is safe to call more than once and on a Client
// that never connected.
func (c *Client) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	wasConnected := c.connected.Swap(false)
	if wasConnected {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExchangeTimeout)
		err := c.sendCommand(ctx, hdrive.CommandFrame{Mode: hdrive.ModeDisable})
		cancel()
		if err != nil {
			c.log.Debug("disable on close failed", "err", err)
		}
	}
	var rxErr error
	if c.rx != nil {
		rxErr = c.rx.shutdown(c.cfg.StopTimeout)
		c.rx = nil
	}
	connErr := c.conn.shutdown()
	if rxErr != nil || connErr != nil {
		return errors.Join(rxErr, connErr)
	}
	if wasConnected {
		c.log.Info("disconnected", "telemetry", c.hub.stats())
	}
	return nil
}

// Connected reports whether Connect succeeded and Close has not been called.
// Failed exchanges do not change it; reconnecting is up to the caller.
func (c *Client) Connected() bool { return c.connected.Load() }

// Session returns the negotiated session parameters.
func (c *Client) Session() SessionInfo {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.info
}

// Telemetry returns the latest telemetry frame. ok is false until the first
// datagram of the current session arrives.
func (c *Client) Telemetry() (frame hdrive.TelemetryFrame, ok bool) {
	return c.hub.latestFrame()
}

// OnTelemetry registers fn to be called with every telemetry frame. Observers
// are called in registration order on the receiver goroutine and must not
// block for long. A panic in fn is recovered and logged. The returned
// function unregisters fn. Observers may be registered before Connect and
// survive reconnects.
func (c *Client) OnTelemetry(fn func(hdrive.TelemetryFrame)) (cancel func()) {
	return c.hub.subscribe(fn)
}

// TelemetryStats returns the number of telemetry datagrams received and dropped.
func (c *Client) TelemetryStats() TelemetryStats { return c.hub.stats() }

// ReadObject reads the object at addr.
func (c *Client) ReadObject(ctx context.Context, addr hdrive.ObjectAddress) (int32, error) {
	if !c.connected.Load() {
		return 0, hdrive.ErrNotConnected
	}
	v, err := c.conn.readObject(ctx, addr, c.cfg.ExchangeTimeout)
	c.log.Debug("read object", "object", addr.String(), "value", v, "err", err)
	return v, err
}

// WriteObject writes value to the object at addr. The drive does not
// acknowledge writes; set VerifyWrites to read the value back.
func (c *Client) WriteObject(ctx context.Context, addr hdrive.ObjectAddress, value int32) error {
	if !c.connected.Load() {
		return hdrive.ErrNotConnected
	}
	return c.writeObject(ctx, addr, value)
}

func (c *Client) writeObject(ctx context.Context, addr hdrive.ObjectAddress, value int32) error {
	op := "write " + addr.String()
	err := c.conn.send(ctx, op, c.cfg.ExchangeTimeout, c.cfg.WriteSettle, func(dst []byte) []byte {
		return hdrive.AppendWriteRequest(dst, addr, value)
	})
	c.log.Debug("write object", "object", addr.String(), "value", value, "err", err)
	if err != nil || !c.cfg.VerifyWrites {
		return err
	}
	got, err := c.conn.readObject(ctx, addr, c.cfg.ExchangeTimeout)
	if err != nil {
		return fmt.Errorf("verify %s: %w", op, err)
	}
	if got != value {
		return &hdrive.ProtocolError{
			Op:       op,
			Reason:   "drive kept value " + strconv.Itoa(int(got)) + ", wrote " + strconv.Itoa(int(value)),
			Rejected: true,
		}
	}
	return nil
}

func (c *Client) sendCommand(ctx context.Context, frame hdrive.CommandFrame) error {
	err := c.conn.send(ctx, "command "+frame.Mode.String(), c.cfg.ExchangeTimeout, 0, func(dst []byte) []byte {
		return hdrive.AppendCommand(dst, frame)
	})
	c.log.Debug("command", "mode", frame.Mode.String(), "pos", frame.Position, "speed", frame.Speed,
		"torque", frame.Torque, "acc", frame.Acc, "decc", frame.Decc, "err", err)
	return err
}

func isProtocolErr(err error) bool {
	var perr *hdrive.ProtocolError
	return errors.As(err, &perr)
}
