//go:build linux

package proc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/mtikkanen/tcpwatch/internal/track"
)

const DefaultRoutePath = "/proc/net/route"

// RouteTable holds the kernel's IPv4 routing entries, most specific first.
type RouteTable struct {
	routes []track.Route
}

// ScanRoutes parses /proc/net/route. Fields are hex words in little-endian
// byte order, same encoding as the socket tables.
func ScanRoutes(path string) (*RouteTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open route table: %w", err)
	}
	defer f.Close()

	t := &RouteTable{}
	scanner := bufio.NewScanner(f)
	scanner.Scan() // skip header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		dest, ok := parseRouteWord(fields[1])
		if !ok {
			continue
		}
		gw, ok := parseRouteWord(fields[2])
		if !ok {
			continue
		}
		mask, ok := parseRouteWord(fields[7])
		if !ok {
			continue
		}
		bits := maskBits(mask)
		prefix, err := dest.Prefix(bits)
		if err != nil {
			continue
		}
		t.routes = append(t.routes, track.Route{
			Dest:    prefix,
			Gateway: gw,
			Ifname:  fields[0],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Longest prefix first so Lookup can stop at the first hit.
	for i := 1; i < len(t.routes); i++ {
		for j := i; j > 0 && t.routes[j].Dest.Bits() > t.routes[j-1].Dest.Bits(); j-- {
			t.routes[j], t.routes[j-1] = t.routes[j-1], t.routes[j]
		}
	}
	return t, nil
}

func parseRouteWord(raw string) (netip.Addr, bool) {
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return netip.Addr{}, false
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return netip.AddrFrom4(b), true
}

func maskBits(mask netip.Addr) int {
	b := mask.As4()
	return bits.OnesCount32(binary.BigEndian.Uint32(b[:]))
}

// Size returns the number of parsed routes.
func (t *RouteTable) Size() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Lookup returns the best route for a remote address, nil when none
// matches or the table is absent.
func (t *RouteTable) Lookup(addr netip.Addr) *track.Route {
	if t == nil {
		return nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil
	}
	for i := range t.routes {
		if t.routes[i].Dest.Contains(addr) {
			return &t.routes[i]
		}
	}
	return nil
}
