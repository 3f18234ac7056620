package hdrivetcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/soypat/hdrive"
	"golang.org/x/exp/slog"
)

// Server simulates a drive's command channel and telemetry stream. It
// answers object reads from its ObjectModel, applies object writes and
// records received command frames. A Server handles one connection at a time.
type Server struct {
	state      serverState
	tcpTimeout time.Duration
	address    net.TCPAddr
	objects    hdrive.ObjectModel
	log        *slog.Logger
	txBuf      [hdrive.MaxElementSize]byte
	rxBuf      [hdrive.MaxElementSize]byte
}

// ServerConfig provides configuration parameters to NewServer.
type ServerConfig struct {
	// Formatted numeric IP with port. i.e: "127.0.0.1:1000". Port 0 picks a free port.
	Address string
	// ConnectTimeout is the maximum amount of time a call to Accept will wait for a connect to complete.
	ConnectTimeout time.Duration
	// Objects is the drive's object dictionary. If nil DefaultObjects with
	// the minimum supported firmware is used. Access is made concurrency safe.
	Objects hdrive.ObjectModel
	Logger  *slog.Logger
}

// NewServer returns a Server ready for use.
// `localhost` in a server address is replaced with `127.0.0.1`
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Objects == nil {
		cfg.Objects = hdrive.DefaultObjects(hdrive.MinFirmwareVersion, hdrive.DefaultUDPPort)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Address = strings.Replace(cfg.Address, "localhost", "127.0.0.1", 1)
	address, err := netip.ParseAddrPort(cfg.Address)
	if err != nil {
		return nil, err
	}
	sv := &Server{
		state:      serverState{closeErr: errors.New("not yet connected")},
		tcpTimeout: cfg.ConnectTimeout,
		address:    *net.TCPAddrFromAddrPort(address),
		objects:    hdrive.ConcurrencySafeObjectModel(cfg.Objects),
		log:        cfg.Logger,
	}
	return sv, nil
}

// Objects returns the server's object dictionary.
func (sv *Server) Objects() hdrive.ObjectModel { return sv.objects }

// Listen binds the server's TCP address. It is called by Accept if needed
// and is useful to learn the port before a client connects.
func (sv *Server) Listen() error {
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	if sv.state.closed {
		return net.ErrClosed
	} else if sv.state.listener != nil {
		return nil
	}
	listener, err := net.ListenTCP("tcp", &sv.address)
	if err != nil {
		return err
	}
	sv.state.listener = listener
	return nil
}

// Accept waits for a client connection. If the server already has a
// connection this method returns an error.
func (sv *Server) Accept(ctx context.Context) error {
	if sv.state.IsConnected() {
		return errors.New("already connected")
	}
	if err := sv.Listen(); err != nil {
		return err
	}
	sv.state.mu.Lock()
	listener := sv.state.listener
	sv.state.mu.Unlock()
	if listener == nil {
		return net.ErrClosed
	}
	if sv.tcpTimeout > 0 {
		listener.SetDeadline(time.Now().Add(sv.tcpTimeout))
	}
	stop := context.AfterFunc(ctx, func() { listener.SetDeadline(aLongTimeAgo) })
	defer stop()
	conn, err := listener.AcceptTCP()
	if err != nil {
		return err
	}
	listener.SetDeadline(time.Time{})
	sv.state.mu.Lock()
	sv.state.closeErr = nil
	sv.state.conn = conn
	sv.state.br = bufio.NewReaderSize(conn, 2*hdrive.MaxElementSize)
	sv.state.mu.Unlock()
	sv.log.Debug("client connected", "remote", conn.RemoteAddr().String())
	return nil
}

// HandleNext reads the next request on the connection and handles it.
// This call is blocking. Malformed requests are counted and skipped.
func (sv *Server) HandleNext() (err error) {
	if err := sv.Err(); err != nil {
		return errors.New("disconnected: " + err.Error())
	}
	sv.state.mu.Lock()
	br, conn := sv.state.br, sv.state.conn
	sv.state.mu.Unlock()
	if br == nil {
		return net.ErrClosed
	}

	raw, err := hdrive.ReadElement(br, sv.rxBuf[:0])
	if err != nil {
		if isProtocolErr(err) {
			sv.state.addProtocolError()
			return err
		}
		sv.state.CloseConn(err)
		return err
	}
	req, err := hdrive.DecodeRequest(raw)
	if err != nil {
		sv.state.addProtocolError()
		sv.log.Warn("bad request", "err", err)
		return err
	}
	sv.log.Debug("request", "req", req.String())
	switch req.Kind {
	case hdrive.RequestRead:
		var resp []byte
		v, oerr := sv.objects.GetObject(req.Addr)
		if oerr != nil {
			resp = hdrive.AppendErrorResponse(sv.txBuf[:0], req.Addr, oerr.Error())
		} else {
			resp = hdrive.AppendReadResponse(sv.txBuf[:0], req.Addr, v)
		}
		if _, err = conn.Write(resp); err != nil {
			sv.state.CloseConn(err)
			return err
		}
	case hdrive.RequestWrite:
		if oerr := sv.objects.SetObject(req.Addr, req.Value); oerr != nil {
			// The drive does not reply to writes, rejected ones are only logged.
			sv.log.Warn("write rejected", "object", req.Addr.String(), "err", oerr)
		}
	case hdrive.RequestCommand:
		sv.state.addCommand(req.Command)
	}
	return nil
}

// Serve accepts connections and handles their requests until ctx is
// cancelled or the server is closed.
func (sv *Server) Serve(ctx context.Context) error {
	if err := sv.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { sv.Close() })
	defer stop()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sv.IsConnected() {
			err := sv.Accept(ctx)
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		sv.HandleNext()
	}
}

// SendTelemetry sends one telemetry datagram to addr, i.e: "127.0.0.1:1001".
func (sv *Server) SendTelemetry(addr string, frame hdrive.TelemetryFrame) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(hdrive.AppendTelemetry(nil, frame))
	return err
}

// StreamTelemetry sends next(i) to addr every interval until ctx is done.
func (sv *Server) StreamTelemetry(ctx context.Context, addr string, interval time.Duration, next func(i int) hdrive.TelemetryFrame) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var buf [hdrive.TelemetrySize]byte
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		next(i).Put(buf[:])
		if _, err := conn.Write(buf[:]); err != nil {
			// Nobody listening yet is not fatal for a broadcast stream.
			sv.log.Debug("telemetry send failed", "err", err)
		}
	}
}

// Commands returns the command frames received so far.
func (sv *Server) Commands() []hdrive.CommandFrame {
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	return append([]hdrive.CommandFrame(nil), sv.state.commands...)
}

// ProtocolErrors returns the number of malformed requests received.
func (sv *Server) ProtocolErrors() int {
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	return sv.state.protocolErrors
}

// Err returns the error that caused disconnection. Is safe for concurrent use.
func (sv *Server) Err() error {
	return sv.state.Err()
}

// IsConnected returns true if the server has an active connection. Is safe for concurrent use.
func (sv *Server) IsConnected() bool {
	return sv.state.IsConnected()
}

// Addr returns the listening address. If the server is not yet listening
// it returns an empty *net.TCPAddr.
func (sv *Server) Addr() net.Addr {
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	if sv.state.listener == nil {
		return &net.TCPAddr{}
	}
	return sv.state.listener.Addr()
}

// Close closes the active connection and the listener. A closed Server
// can not be reused.
func (sv *Server) Close() error {
	sv.state.CloseConn(net.ErrClosed)
	sv.state.mu.Lock()
	defer sv.state.mu.Unlock()
	sv.state.closed = true
	if sv.state.listener == nil {
		return nil
	}
	err := sv.state.listener.Close()
	sv.state.listener = nil
	return err
}

// serverState stores the persisting state of a server connection.
// It is protected by a mutex so that Server accessors are concurrent-safe.
type serverState struct {
	mu             sync.Mutex
	listener       *net.TCPListener
	closed         bool
	conn           *net.TCPConn
	br             *bufio.Reader
	closeErr       error
	commands       []hdrive.CommandFrame
	protocolErrors int
}

// Err returns the error responsible for a closed connection. The wrapped chain of errors
// will contain io.EOF or a net.ErrClosed error.
//
// Err is safe to call concurrently.
func (cs *serverState) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closeErr
}

// CloseConn closes the connection so that future calls to Err() return argument err.
// The listener stays open for the next Accept.
func (cs *serverState) CloseConn(err error) {
	if err == nil {
		panic("cannot close connection with nil error")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conn != nil {
		cs.conn.Close()
		cs.conn = nil
		cs.br = nil
	}
	if cs.closeErr == nil {
		cs.closeErr = err
	}
}

// IsConnected returns true if there is an active connection to a client. It is shorthand for cs.Err() == nil.
//
// IsConnected is safe to call concurrently.
func (cs *serverState) IsConnected() bool { return cs.Err() == nil }

func (cs *serverState) addCommand(f hdrive.CommandFrame) {
	cs.mu.Lock()
	cs.commands = append(cs.commands, f)
	cs.mu.Unlock()
}

func (cs *serverState) addProtocolError() {
	cs.mu.Lock()
	cs.protocolErrors++
	cs.mu.Unlock()
}
