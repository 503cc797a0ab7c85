package proc

import (
	"net"
	"net/netip"
)

// IfTable maps local addresses to interface names. Built once at startup;
// interfaces coming and going mid-run are not chased.
type IfTable struct {
	byAddr map[netip.Addr]string
}

// ScanInterfaces builds the table from the host's current interfaces.
func ScanInterfaces() (*IfTable, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	t := &IfTable{byAddr: make(map[netip.Addr]string)}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			t.byAddr[addr.Unmap()] = iface.Name
		}
	}
	return t, nil
}

// NameFor returns the interface owning the local address, "" when unknown.
// An unspecified address (a wildcard listener) maps to no interface.
func (t *IfTable) NameFor(addr netip.Addr) string {
	if t == nil || addr.IsUnspecified() {
		return ""
	}
	return t.byAddr[addr.Unmap()]
}
