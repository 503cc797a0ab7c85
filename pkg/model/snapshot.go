package model

import "time"

// Snapshot is one round's grouped view of the tracked connections. It is
// immutable once built; renderers and the metrics exporter read it without
// touching the engine.
type Snapshot struct {
	Taken      time.Time
	Grouping   string
	TotalCount int
	TableSize  int
	NewCount   int
	Listening  []GroupView
	Outgoing   []GroupView
	Ignored    []GroupView
	Pids       []PidView
	Frames     *FrameStats
}

type GroupView struct {
	Label    string
	Count    int
	NewCount int
	Parent   *ConnView
	Conns    []ConnView
}

type ConnView struct {
	Local        string
	Remote       string
	Hostname     string
	Service      string
	State        string
	Dir          string
	Ifname       string
	Age          time.Duration
	LingerLeft   time.Duration
	New          bool
	StateChanged bool
	Warn         bool
	Ignored      bool
}

type PidView struct {
	Pid   int32
	Name  string
	Alive bool
	Group GroupView
}

// FrameStats tallies what the capture replay producer saw.
type FrameStats struct {
	Frames    uint64
	TCP       uint64
	NonIP     uint64
	NonTCP    uint64
	Malformed uint64
}
