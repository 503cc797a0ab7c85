package pipeline

import (
	"errors"
	"net/netip"
	"time"

	"github.com/mtikkanen/tcpwatch/internal/pcap"
	"github.com/mtikkanen/tcpwatch/internal/proc"
	"github.com/mtikkanen/tcpwatch/internal/resolve"
	"github.com/mtikkanen/tcpwatch/internal/track"
	"github.com/mtikkanen/tcpwatch/pkg/model"
)

// ErrReplayDone signals that a capture replay has been fully consumed.
// The front end treats it as a clean end of input, not a failure.
var ErrReplayDone = errors.New("capture replay finished")

// Config wires one round pipeline together. Exactly one of Net or Replay
// must be set; the rest is optional.
type Config struct {
	Tracker  *track.Tracker
	Net      *proc.NetScout
	Replay   *pcap.Replay
	Inodes   *proc.InodeScout
	Resolver *resolve.Resolver
}

// Runner drives the engine through its round sequence: produce, rotate,
// resolve, snapshot, purge, clear. It owns no goroutines; the caller
// decides the cadence and must call RunRound from a single goroutine.
type Runner struct {
	cfg Config
	now func() time.Time
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, now: time.Now}
}

// Tracker exposes the engine for the front end's toggles.
func (r *Runner) Tracker() *track.Tracker { return r.cfg.Tracker }

// Resolver exposes the resolver for the front end's numeric toggle.
func (r *Runner) Resolver() *resolve.Resolver { return r.cfg.Resolver }

// RunRound executes one full round and returns its snapshot. The snapshot
// is built before purging, so connections that just closed are still
// visible one last time (lingering keeps them longer).
func (r *Runner) RunRound() (*model.Snapshot, error) {
	tr := r.cfg.Tracker

	if r.cfg.Inodes != nil {
		r.cfg.Inodes.Scan()
	}
	if err := r.produce(); err != nil && !errors.Is(err, ErrReplayDone) {
		return nil, err
	}

	tr.Rotate()
	r.resolveAll()

	snap := r.buildSnapshot()

	if tr.TotalCount() != tr.TableSize() {
		tr.PurgeClosed(tr.TableSize() - tr.TotalCount())
	}
	tr.ClearRound()

	if r.cfg.Replay != nil && r.cfg.Replay.Done() && tr.TableSize() == 0 {
		return snap, ErrReplayDone
	}
	return snap, nil
}

func (r *Runner) produce() error {
	tr := r.cfg.Tracker
	if r.cfg.Replay != nil {
		_, err := r.cfg.Replay.NextBatch(func(local, remote netip.AddrPort, state track.TCPState) {
			tr.Insert(local, remote, state, 0)
		})
		return err
	}
	return r.cfg.Net.Scan(func(e proc.TCPEntry) {
		tr.Insert(e.Local, e.Remote, e.State, e.Inode)
	})
}

func (r *Runner) resolveAll() {
	res := r.cfg.Resolver
	if res == nil || !res.Enabled() {
		return
	}
	tr := r.cfg.Tracker
	for grp := tr.ListenGroups().Head(); grp != nil; grp = grp.Next() {
		res.ResolveGroup(grp)
	}
	for grp := tr.OutGroups().Head(); grp != nil; grp = grp.Next() {
		res.ResolveGroup(grp)
	}
	if pids := tr.Pids(); pids != nil {
		for _, pi := range pids.Infos() {
			res.ResolveGroup(pi.Group())
		}
	}
}
