package resolve

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/mtikkanen/tcpwatch/internal/track"
)

// lookupTimeout caps one reverse lookup so a slow DNS server cannot stall
// a round for long.
const lookupTimeout = time.Second

// Resolver fills in remote hostnames and service names on demand. Results
// land in the connection metadata; the Resolved flag stops retries, also
// for lookups that found nothing.
type Resolver struct {
	enabled bool
	lookup  func(addr netip.Addr) (string, error)
}

func New(enabled bool) *Resolver {
	return &Resolver{enabled: enabled, lookup: reverseLookup}
}

func (r *Resolver) Enabled() bool      { return r.enabled }
func (r *Resolver) SetEnabled(on bool) { r.enabled = on }

func reverseLookup(addr netip.Addr) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, addr.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// Resolve fills the connection's remote hostname and service name once.
func (r *Resolver) Resolve(conn *track.Connection) {
	if !r.enabled || conn.Meta.Is(track.FlagResolved) {
		return
	}
	addr := conn.Remote.Addr().Unmap()
	conn.Meta.Set(track.FlagResolved)
	if addr.IsUnspecified() {
		return
	}
	conn.Meta.RemoteService = ServiceName(conn.Remote.Port())
	if name, err := r.lookup(addr); err == nil && name != "" {
		conn.Meta.RemoteHostname = name
	}
}

// ResolveGroup resolves every member. In a group keyed by remote address
// all members share the peer, so the first resolved hostname is reused
// instead of asking DNS once per connection.
func (r *Resolver) ResolveGroup(grp *track.Group) {
	if !r.enabled {
		return
	}
	reuse := grp.Filter().HasPolicy(track.PolicyRemote | track.PolicyAddr)
	shared := ""
	for conn := grp.Head(); conn != nil; conn = conn.NextInQueue() {
		if reuse && shared != "" && !conn.Meta.Is(track.FlagResolved) {
			conn.Meta.RemoteHostname = shared
			conn.Meta.RemoteService = ServiceName(conn.Remote.Port())
			conn.Meta.Set(track.FlagResolved)
		} else {
			r.Resolve(conn)
		}
		if reuse && shared == "" && conn.Meta.RemoteHostname != "" {
			shared = conn.Meta.RemoteHostname
		}
	}
}

// serviceNames covers the ports worth naming on a monitor's screen.
var serviceNames = map[uint16]string{
	20:    "ftp-data",
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "domain",
	80:    "http",
	110:   "pop3",
	123:   "ntp",
	143:   "imap",
	179:   "bgp",
	389:   "ldap",
	443:   "https",
	445:   "microsoft-ds",
	465:   "smtps",
	587:   "submission",
	636:   "ldaps",
	853:   "domain-s",
	993:   "imaps",
	995:   "pop3s",
	1883:  "mqtt",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	5672:  "amqp",
	6379:  "redis",
	8080:  "http-alt",
	8443:  "https-alt",
	9092:  "kafka",
	11211: "memcache",
	27017: "mongodb",
}

// ServiceName returns the well-known name for a port, "" when unknown.
func ServiceName(port uint16) string {
	return serviceNames[port]
}
