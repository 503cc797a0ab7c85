package pcap

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/mtikkanen/tcpwatch/internal/track"
	"github.com/mtikkanen/tcpwatch/pkg/model"
)

// DefaultBatch is how many frames a replay feeds into one round. Small on
// purpose, so a capture plays out over several rounds and the lifecycle
// can be watched.
const DefaultBatch = 10

// Replay feeds TCP tuples decoded from a capture file into the engine, a
// batch per round. Non-TCP and malformed frames are counted, not
// inserted.
type Replay struct {
	f      *os.File
	reader *pcapgo.Reader
	batch  int
	stats  model.FrameStats
	done   bool
}

func Open(path string, batch int) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	reader, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Replay{f: f, reader: reader, batch: batch}, nil
}

func (r *Replay) Close() error { return r.f.Close() }

// Done reports whether the capture has been fully replayed.
func (r *Replay) Done() bool { return r.done }

// Stats returns the running frame classification tally.
func (r *Replay) Stats() model.FrameStats { return r.stats }

// NextBatch decodes up to one batch of frames and calls fn for each valid
// TCP frame with the sender as the local side. Returns false once the
// capture is exhausted.
func (r *Replay) NextBatch(fn func(local, remote netip.AddrPort, state track.TCPState)) (bool, error) {
	if r.done {
		return false, nil
	}
	for i := 0; i < r.batch; i++ {
		data, _, err := r.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			r.done = true
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read frame: %w", err)
		}
		r.stats.Frames++

		local, remote, state, ok := classify(data, r.reader.LinkType(), &r.stats)
		if !ok {
			continue
		}
		r.stats.TCP++
		fn(local, remote, state)
	}
	return true, nil
}

func classify(data []byte, link layers.LinkType, stats *model.FrameStats) (local, remote netip.AddrPort, state track.TCPState, ok bool) {
	packet := gopacket.NewPacket(data, link, gopacket.Default)

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		stats.NonIP++
		return
	}
	ip := ipLayer.(*layers.IPv4)

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		if packet.ErrorLayer() != nil {
			stats.Malformed++
		} else {
			stats.NonTCP++
		}
		return
	}
	tcp := tcpLayer.(*layers.TCP)

	src, okSrc := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, okDst := netip.AddrFromSlice(ip.DstIP.To4())
	if !okSrc || !okDst {
		stats.Malformed++
		return
	}

	local = netip.AddrPortFrom(src, uint16(tcp.SrcPort))
	remote = netip.AddrPortFrom(dst, uint16(tcp.DstPort))
	return local, remote, stateFromFlags(tcp), true
}

// stateFromFlags guesses the protocol state from a single frame's flags.
// Crude, but enough to watch a handshake and teardown play out.
func stateFromFlags(tcp *layers.TCP) track.TCPState {
	switch {
	case tcp.RST:
		return track.StateClose
	case tcp.FIN:
		return track.StateFinWait1
	case tcp.SYN && tcp.ACK:
		return track.StateSynRecv
	case tcp.SYN:
		return track.StateSynSent
	}
	return track.StateEstablished
}
