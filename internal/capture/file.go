package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapng section header block type.
const ngMagic = 0x0A0D0D0A

// packetReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReplayStats summarizes a finished replay.
type ReplayStats struct {
	Packets int `json:"packets"`
	IPv4    int `json:"ipv4"`
	Skipped int `json:"skipped"`
}

// File replays a pcap or pcapng capture.
type File struct {
	Path   string
	Logger *slog.Logger

	stats ReplayStats
}

// NewFile returns a replay source for path.
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{Path: path, Logger: logger}
}

// Name implements Source.
func (f *File) Name() string { return "pcap:" + f.Path }

// Stats returns the counts of the last Run.
func (f *File) Stats() ReplayStats { return f.stats }

// Run implements Source. It returns nil at the end of the file and once
// ctx is canceled, even mid-replay.
func (f *File) Run(ctx context.Context, handle HandlerFunc) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	defer fh.Close()

	f.stats = ReplayStats{}
	st, err := Replay(ctx, fh, handle)
	f.stats = st
	f.Logger.Info("replay finished",
		"file", f.Path,
		"packets", st.Packets,
		"ipv4", st.IPv4,
		"skipped", st.Skipped,
	)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Replay reads a pcap or pcapng stream and hands every IPv4 packet to
// handle. Link layers other than Ethernet, Linux cooked capture, BSD
// loopback and raw IP are skipped.
func Replay(ctx context.Context, r io.Reader, handle HandlerFunc) (ReplayStats, error) {
	var st ReplayStats

	br := bufio.NewReader(r)
	pr, err := openReader(br)
	if err != nil {
		return st, err
	}
	lt := pr.LinkType()

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("capture: read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		pkt, ok := networkLayer(lt, data)
		if !ok {
			st.Skipped++
			continue
		}
		st.IPv4++
		handle(pkt)
	}
}

func openReader(br *bufio.Reader) (packetReader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture: read file header: %w", err)
	}
	// The block type is written in the section's byte order, but the
	// magic is a palindrome so either order matches.
	if binary.BigEndian.Uint32(magic) == ngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("capture: pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("capture: pcap: %w", err)
	}
	return pr, nil
}

// networkLayer strips the link header from a captured frame and returns
// the IPv4 packet it carries.
func networkLayer(lt layers.LinkType, data []byte) ([]byte, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		payload, et := eth.Payload, eth.EthernetType
		if et == layers.EthernetTypeDot1Q {
			var vlan layers.Dot1Q
			if err := vlan.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
				return nil, false
			}
			payload, et = vlan.Payload, vlan.Type
		}
		return ipv4Only(et == layers.EthernetTypeIPv4, payload)
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		return ipv4Only(sll.EthernetType == layers.EthernetTypeIPv4, sll.Payload)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		var lo layers.Loopback
		if err := lo.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		return ipv4Only(lo.Family == layers.ProtocolFamilyIPv4, lo.Payload)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return ipv4Only(true, data)
	default:
		return nil, false
	}
}

func ipv4Only(ok bool, b []byte) ([]byte, bool) {
	if !ok || len(b) == 0 || b[0]>>4 != 4 {
		return nil, false
	}
	return b, true
}
