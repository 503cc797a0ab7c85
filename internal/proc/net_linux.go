//go:build linux

package proc

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/mtikkanen/tcpwatch/internal/track"
)

const (
	DefaultTCP4Path = "/proc/net/tcp"
	DefaultTCP6Path = "/proc/net/tcp6"
)

// TCPEntry is one parsed row of /proc/net/tcp[6].
type TCPEntry struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  track.TCPState
	Inode  uint64
}

// NetScout reads the kernel's TCP socket tables. Paths are configurable so
// tests can point it at fixtures.
type NetScout struct {
	TCP4Path string
	TCP6Path string
	IPv4     bool
	IPv6     bool
}

func NewNetScout(ipv4, ipv6 bool) *NetScout {
	return &NetScout{
		TCP4Path: DefaultTCP4Path,
		TCP6Path: DefaultTCP6Path,
		IPv4:     ipv4,
		IPv6:     ipv6,
	}
}

// Scan parses the enabled tables and calls fn once per live socket row.
// A missing tcp6 table (kernel without IPv6) is not an error.
func (s *NetScout) Scan(fn func(TCPEntry)) error {
	if s.IPv4 {
		if err := scanTable(s.TCP4Path, false, fn); err != nil {
			return err
		}
	}
	if s.IPv6 {
		if err := scanTable(s.TCP6Path, true, fn); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func scanTable(path string, ipv6 bool, fn func(TCPEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open socket table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // skip header

	for scanner.Scan() {
		entry, ok := parseRow(scanner.Text(), ipv6)
		if !ok {
			continue
		}
		fn(entry)
	}
	return scanner.Err()
}

// parseRow decodes one socket line. Row layout:
//
//	sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode ...
func parseRow(line string, ipv6 bool) (TCPEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return TCPEntry{}, false
	}

	local, ok := parseAddrPort(fields[1], ipv6)
	if !ok {
		return TCPEntry{}, false
	}
	remote, ok := parseAddrPort(fields[2], ipv6)
	if !ok {
		return TCPEntry{}, false
	}

	st, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil || st == 0 || st > uint64(track.StateClosing) {
		return TCPEntry{}, false
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		inode = 0
	}

	return TCPEntry{
		Local:  local,
		Remote: remote,
		State:  track.TCPState(st),
		Inode:  inode,
	}, true
}

// parseAddrPort decodes the kernel's ADDR:PORT hex form. IPv4 addresses
// are one little-endian 32-bit word; IPv6 addresses are four of them.
func parseAddrPort(raw string, ipv6 bool) (netip.AddrPort, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}
	b, err := hex.DecodeString(parts[0])
	if err != nil {
		return netip.AddrPort{}, false
	}

	if ipv6 {
		if len(b) != 16 {
			return netip.AddrPort{}, false
		}
		var ip [16]byte
		for i := 0; i < 4; i++ {
			ip[i*4+0] = b[i*4+3]
			ip[i*4+1] = b[i*4+2]
			ip[i*4+2] = b[i*4+1]
			ip[i*4+3] = b[i*4+0]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), uint16(port)), true
	}

	if len(b) != 4 {
		return netip.AddrPort{}, false
	}
	addr := netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]})
	return netip.AddrPortFrom(addr, uint16(port)), true
}
