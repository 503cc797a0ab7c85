//go:build linux

package proc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/process"

	"github.com/mtikkanen/tcpwatch/internal/track"
)

// InodeScout refreshes the socket inode sets of followed processes by
// rescanning /proc/<pid>/fd each round. The proc root is configurable for
// tests.
type InodeScout struct {
	Root string
	pids *track.PidTable
}

func NewInodeScout(pids *track.PidTable) *InodeScout {
	return &InodeScout{Root: "/proc", pids: pids}
}

// FollowPid registers a process for following. The name comes from
// /proc via gopsutil; an unknown PID is an error.
func (s *InodeScout) FollowPid(pid int32) (*track.PidInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("no such process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		name = "?"
	}
	pi := track.NewPidInfo(pid, name)
	s.pids.Add(pi)
	return pi, nil
}

// Scan refreshes every followed process. A vanished process is marked dead
// and keeps an empty inode set; its tracked connections drain out through
// the normal purge.
func (s *InodeScout) Scan() {
	for _, pi := range s.pids.Infos() {
		inodes, err := s.socketInodes(pi.Pid)
		if err != nil {
			if pi.Alive() {
				pi.MarkDead()
			}
			pi.SetInodes(nil)
			continue
		}
		pi.SetInodes(inodes)
	}
}

// socketInodes lists the socket inodes held open by one process.
func (s *InodeScout) socketInodes(pid int32) ([]uint64, error) {
	fdPath := fmt.Sprintf("%s/%d/fd", s.Root, pid)
	fds, err := os.ReadDir(fdPath)
	if err != nil {
		return nil, err
	}

	var inodes []uint64
	for _, fd := range fds {
		link, err := os.Readlink(fmt.Sprintf("%s/%s", fdPath, fd.Name()))
		if err != nil {
			continue
		}
		if !strings.HasPrefix(link, "socket:[") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
		ino, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		inodes = append(inodes, ino)
	}
	return inodes, nil
}
