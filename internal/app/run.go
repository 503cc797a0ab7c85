package app

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/mtikkanen/tcpwatch/internal/metrics"
	"github.com/mtikkanen/tcpwatch/internal/output"
	"github.com/mtikkanen/tcpwatch/internal/pcap"
	"github.com/mtikkanen/tcpwatch/internal/pipeline"
	"github.com/mtikkanen/tcpwatch/internal/proc"
	"github.com/mtikkanen/tcpwatch/internal/resolve"
	"github.com/mtikkanen/tcpwatch/internal/track"
	"github.com/mtikkanen/tcpwatch/internal/tui"
	"github.com/mtikkanen/tcpwatch/pkg/model"
)

const routeTablePath = "/proc/net/route"

func run() error {
	policy, ok := track.GroupingByName(groupBy)
	if !ok {
		return fmt.Errorf("unknown grouping %q", groupBy)
	}

	filters, err := buildFilters()
	if err != nil {
		return err
	}

	var pids *track.PidTable
	if len(followPids) > 0 {
		pids = track.NewPidTable()
	}

	tracker := track.NewTracker(track.Config{
		TableBuckets: tableSize,
		GroupPolicy:  policy,
		Filters:      filters,
		Linger:       linger,
		Pids:         pids,
		IfnameFor:    ifnameLookup(),
		RouteFor:     routeLookup(),
	})

	cfg := pipeline.Config{
		Tracker:  tracker,
		Resolver: resolve.New(!numeric),
	}

	if pcapPath != "" {
		replay, err := pcap.Open(pcapPath, pcapBatch)
		if err != nil {
			return err
		}
		defer replay.Close()
		cfg.Replay = replay
	} else {
		ipv4, ipv6 := onlyIPv4, onlyIPv6
		if !ipv4 && !ipv6 {
			ipv4, ipv6 = true, true
		}
		cfg.Net = proc.NewNetScout(ipv4, ipv6)
	}

	if pids != nil {
		scout := proc.NewInodeScout(pids)
		for _, pid := range followPids {
			if _, err := scout.FollowPid(pid); err != nil {
				return err
			}
		}
		cfg.Inodes = scout
	}

	runner := pipeline.NewRunner(cfg)

	var exporter *metrics.Exporter
	if metricsAddr != "" {
		exporter = metrics.NewExporter()
		go func() {
			if err := exporter.Serve(metricsAddr); err != nil {
				logrus.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	if once || !isatty.IsTerminal(os.Stdout.Fd()) {
		return runOnce(runner, exporter)
	}

	var onSnapshot func(*model.Snapshot)
	if exporter != nil {
		onSnapshot = exporter.Update
	}
	return tui.Start(tui.Config{
		Runner:        runner,
		Delay:         delay,
		ShowListening: showListen,
		Version:       version,
		OnSnapshot:    onSnapshot,
	})
}

func runOnce(runner *pipeline.Runner, exporter *metrics.Exporter) error {
	snap, err := runner.RunRound()
	if err != nil && snap == nil {
		return err
	}
	if exporter != nil {
		exporter.Update(snap)
	}
	if jsonOut {
		s, err := output.ToJSON(snap)
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	}
	color := !noColor && isatty.IsTerminal(os.Stdout.Fd())
	output.RenderText(os.Stdout, snap, color)
	return nil
}

// buildFilters turns the command line rules into a first-match list.
// Ignore rules go in front so they win over warn rules on overlap.
func buildFilters() (*track.FilterList, error) {
	list := track.NewFilterList(track.FirstMatch)

	addPorts := func(ports []uint, action track.Action) error {
		for _, port := range ports {
			if port == 0 || port > 65535 {
				return fmt.Errorf("bad port %d", port)
			}
			f := track.NewGroupedFilter(track.PolicyRemote|track.PolicyPort, action)
			f.Remote = netip.AddrPortFrom(netip.Addr{}, uint16(port))
			list.Add(f, track.AddLast)
		}
		return nil
	}
	addAddrs := func(addrs []string, action track.Action) error {
		for _, raw := range addrs {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return fmt.Errorf("bad address %q: %w", raw, err)
			}
			f := track.NewGroupedFilter(track.PolicyRemote|track.PolicyAddr, action)
			f.Remote = netip.AddrPortFrom(addr, 0)
			list.Add(f, track.AddLast)
		}
		return nil
	}

	if err := addPorts(ignoreRPort, track.ActionIgnore); err != nil {
		return nil, err
	}
	if err := addAddrs(ignoreRAddr, track.ActionIgnore); err != nil {
		return nil, err
	}
	if err := addPorts(warnRPort, track.ActionWarn); err != nil {
		return nil, err
	}
	if err := addAddrs(warnRAddr, track.ActionWarn); err != nil {
		return nil, err
	}
	return list, nil
}

func ifnameLookup() func(netip.Addr) string {
	ifs, err := proc.ScanInterfaces()
	if err != nil {
		logrus.WithError(err).Warn("interface scan failed")
		return nil
	}
	return ifs.NameFor
}

func routeLookup() func(netip.Addr) *track.Route {
	routes, err := proc.ScanRoutes(routeTablePath)
	if err != nil {
		logrus.WithError(err).Warn("route scan failed")
		return nil
	}
	return routes.Lookup
}
