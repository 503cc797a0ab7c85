package track

// PidInfo tracks one followed process: its socket inodes as last scanned
// from /proc/<pid>/fd, and the group its connections are filed under. The
// inode scout refreshes the inode set every round; the tracker only reads
// it.
type PidInfo struct {
	Pid  int32
	Name string

	inodes map[uint64]struct{}
	group  *Group
	alive  bool
}

func NewPidInfo(pid int32, name string) *PidInfo {
	pi := &PidInfo{
		Pid:    pid,
		Name:   name,
		inodes: make(map[uint64]struct{}),
		alive:  true,
	}
	grp := NewGroup()
	grp.SetFilter(NewFilter(PolicyPid, ActionGroup))
	pi.group = grp
	return pi
}

// Group holds the connections attributed to this process.
func (p *PidInfo) Group() *Group { return p.group }

// Alive reports whether the process still existed at the last scan.
func (p *PidInfo) Alive() bool { return p.alive }

// MarkDead records that the process has vanished. Its connections stay
// tracked until purged normally.
func (p *PidInfo) MarkDead() { p.alive = false }

// SetInodes replaces the inode set with the latest scan result.
func (p *PidInfo) SetInodes(inodes []uint64) {
	p.inodes = make(map[uint64]struct{}, len(inodes))
	for _, ino := range inodes {
		p.inodes[ino] = struct{}{}
	}
}

func (p *PidInfo) ownsInode(inode uint64) bool {
	_, ok := p.inodes[inode]
	return ok
}

// PidTable is the set of followed processes. Order is the order the PIDs
// were given on the command line and is kept for rendering.
type PidTable struct {
	infos []*PidInfo
}

func NewPidTable() *PidTable { return &PidTable{} }

func (t *PidTable) Add(pi *PidInfo) { t.infos = append(t.infos, pi) }

func (t *PidTable) Size() int { return len(t.infos) }

// Infos returns the followed processes in insertion order.
func (t *PidTable) Infos() []*PidInfo { return t.infos }

// ByInode finds the process owning the given socket inode, nil when the
// inode belongs to none of the followed processes. Inode 0 never matches;
// the kernel reports it for sockets in transient states.
func (t *PidTable) ByInode(inode uint64) *PidInfo {
	if inode == 0 {
		return nil
	}
	for _, pi := range t.infos {
		if pi.ownsInode(inode) {
			return pi
		}
	}
	return nil
}
