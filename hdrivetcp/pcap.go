package hdrivetcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/soypat/hdrive"
)

// ReplayStats summarizes a capture replay.
type ReplayStats struct {
	Packets int // Packets read from the capture.
	Frames  int // Telemetry frames decoded and dispatched.
	Dropped int // UDP payloads to the telemetry port that failed to decode.
}

// ReplayPCAP reads a pcap capture from r and calls fn with every telemetry
// frame sent to udpPort, in capture order. Packets that are not UDP or are
// addressed to another port are skipped.
func ReplayPCAP(ctx context.Context, r io.Reader, udpPort int, fn func(hdrive.TelemetryFrame)) (stats ReplayStats, err error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open capture: %w", err)
	}
	source := gopacket.NewPacketSource(pr, pr.LinkType())
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return stats, nil
		} else if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udp.DstPort) != udpPort {
			continue
		}
		frame, err := hdrive.DecodeTelemetry(udp.Payload)
		if err != nil {
			stats.Dropped++
			continue
		}
		stats.Frames++
		fn(frame)
	}
}

// ReplayPCAP feeds the telemetry frames in a capture through the client's
// observers and latest frame as if they had arrived from the drive. Replayed
// frames and dropped payloads count towards TelemetryStats. The client does
// not need to be connected.
func (c *Client) ReplayPCAP(ctx context.Context, r io.Reader) (ReplayStats, error) {
	port := c.cfg.UDPPort
	if port == 0 {
		port = hdrive.DefaultUDPPort
	}
	c.log.Info("replaying telemetry capture", "udp_port", port)
	stats, err := ReplayPCAP(ctx, r, port, c.hub.accept)
	c.hub.dropped.Add(uint64(stats.Dropped))
	c.log.Info("replay done", "packets", stats.Packets, "frames", stats.Frames, "dropped", stats.Dropped, "err", err)
	return stats, err
}

// PCAPRecorder writes telemetry frames to a pcap capture as Ethernet/IPv4/UDP
// packets. It can be registered with Client.OnTelemetry through Record.
// Methods are safe for concurrent use.
type PCAPRecorder struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	udpPort uint16
	buf     gopacket.SerializeBuffer
	now     func() time.Time
	err     error
}

// NewPCAPRecorder writes the capture file header to w and returns a recorder
// whose packets are addressed to udpPort.
func NewPCAPRecorder(w io.Writer, udpPort int) (*PCAPRecorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &PCAPRecorder{
		w:       pw,
		src:     net.IPv4(192, 168, 1, 102),
		dst:     net.IPv4(192, 168, 1, 1),
		udpPort: uint16(udpPort),
		buf:     gopacket.NewSerializeBuffer(),
		now:     time.Now,
	}, nil
}

// Record appends frame to the capture. After the first write error Record
// does nothing; the error is returned by Err.
func (rec *PCAPRecorder) Record(frame hdrive.TelemetryFrame) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		return
	}
	rec.err = rec.writeFrame(frame)
}

// Err returns the first error encountered by Record.
func (rec *PCAPRecorder) Err() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.err
}

func (rec *PCAPRecorder) writeFrame(frame hdrive.TelemetryFrame) error {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x66},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    rec.src,
		DstIP:    rec.dst,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(rec.udpPort),
		DstPort: layers.UDPPort(rec.udpPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(hdrive.AppendTelemetry(nil, frame))
	if err := gopacket.SerializeLayers(rec.buf, opts, &eth, &ip, &udp, payload); err != nil {
		return err
	}
	data := rec.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return rec.w.WritePacket(ci, data)
}
