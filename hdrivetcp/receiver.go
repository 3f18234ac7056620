package hdrivetcp

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/hdrive"
	"golang.org/x/exp/slog"
)

// TelemetryStats counts telemetry datagrams seen by a client.
type TelemetryStats struct {
	Received uint64 // Decoded and dispatched.
	Dropped  uint64 // Discarded for failing to decode.
}

type observer struct {
	id uint64
	fn func(hdrive.TelemetryFrame)
}

// telemetryHub holds the latest frame and the registered observers. It
// outlives receivers so observers registered before connecting, or across
// reconnects, keep receiving frames.
type telemetryHub struct {
	mu        sync.Mutex
	latest    hdrive.TelemetryFrame
	hasLatest bool
	observers []observer
	nextID    uint64

	received atomic.Uint64
	dropped  atomic.Uint64
	log      *slog.Logger
}

// subscribe appends fn to the observer list. The returned function removes it.
func (h *telemetryHub) subscribe(fn func(hdrive.TelemetryFrame)) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers = append(h.observers, observer{id: id, fn: fn})
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, o := range h.observers {
				if o.id == id {
					// Copy so a dispatch iterating an older snapshot is unaffected.
					obs := make([]observer, 0, len(h.observers)-1)
					obs = append(obs, h.observers[:i]...)
					h.observers = append(obs, h.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// latestFrame returns the most recent frame and whether one has arrived.
func (h *telemetryHub) latestFrame() (hdrive.TelemetryFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

func (h *telemetryHub) reset() {
	h.mu.Lock()
	h.latest = hdrive.TelemetryFrame{}
	h.hasLatest = false
	h.mu.Unlock()
}

func (h *telemetryHub) stats() TelemetryStats {
	return TelemetryStats{Received: h.received.Load(), Dropped: h.dropped.Load()}
}

// handleDatagram decodes b and publishes the frame. Datagrams that fail to
// decode are counted and discarded.
func (h *telemetryHub) handleDatagram(b []byte) bool {
	frame, err := hdrive.DecodeTelemetry(b)
	if err != nil {
		if n := h.dropped.Add(1); n == 1 || n%1000 == 0 {
			h.log.Warn("dropped telemetry datagram", "size", len(b), "dropped", n, "err", err)
		}
		return false
	}
	h.accept(frame)
	return true
}

// accept counts frame as received and publishes it.
func (h *telemetryHub) accept(frame hdrive.TelemetryFrame) {
	if n := h.received.Add(1); n == 1 {
		h.log.Info("first telemetry frame received")
	}
	h.publish(frame)
}

// publish replaces the latest frame and calls every observer in
// registration order. Observers run without the hub lock held so they may
// subscribe or unsubscribe; such changes apply from the next frame.
func (h *telemetryHub) publish(frame hdrive.TelemetryFrame) {
	h.mu.Lock()
	h.latest = frame
	h.hasLatest = true
	obs := h.observers
	h.mu.Unlock()
	for _, o := range obs {
		h.notify(o, frame)
	}
}

// notify calls one observer. A panicking observer does not keep the
// remaining observers from seeing the frame.
func (h *telemetryHub) notify(o observer, frame hdrive.TelemetryFrame) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("telemetry observer panicked", "observer", o.id, "panic", r)
		}
	}()
	o.fn(frame)
}

// receiver is the background loop reading telemetry datagrams.
type receiver struct {
	conn     net.PacketConn
	hub      *telemetryHub
	tick     time.Duration
	log      *slog.Logger
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startReceiver(conn net.PacketConn, hub *telemetryHub, tick time.Duration, log *slog.Logger) *receiver {
	r := &receiver{
		conn: conn,
		hub:  hub,
		tick: tick,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *receiver) run() {
	defer close(r.done)
	var buf [2048]byte // Larger than a datagram so oversized ones are seen as such.
	idle := 0
	var readErrs uint64
	r.log.Debug("telemetry receiver started", "addr", r.conn.LocalAddr().String())
	for {
		select {
		case <-r.stop:
			r.log.Debug("telemetry receiver stopped", "stats", r.hub.stats())
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(r.tick))
		n, _, err := r.conn.ReadFrom(buf[:])
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				idle++
				if idle%10 == 0 {
					r.log.Debug("no telemetry received", "waited", time.Duration(idle)*r.tick)
				}
			case errors.Is(err, net.ErrClosed):
				r.log.Debug("telemetry socket closed", "stats", r.hub.stats())
				return
			default:
				readErrs++
				if readErrs == 1 || readErrs%1000 == 0 {
					r.log.Warn("telemetry read failed", "err", err, "failures", readErrs)
				}
				// Wait out a tick so a persistent error does not spin.
				select {
				case <-r.stop:
				case <-time.After(r.tick):
				}
			}
			continue
		}
		idle = 0
		r.hub.handleDatagram(buf[:n])
	}
}

// shutdown signals the loop to stop, closes the socket and waits up to
// timeout for the loop to exit.
func (r *receiver) shutdown(timeout time.Duration) error {
	var closeErr error
	r.stopOnce.Do(func() {
		close(r.stop)
		closeErr = r.conn.Close()
	})
	select {
	case <-r.done:
	case <-time.After(timeout):
		return errors.New("hdrive: telemetry receiver did not stop within " + timeout.String())
	}
	return closeErr
}
