package scheduler

import (
	"runtime"
	"runtime/debug"

	"github.com/prometheus/procfs"
)

// MemoryProbe reports host memory headroom and can force reclamation.
type MemoryProbe interface {
	// Available returns the bytes still available, or false when unknown.
	Available() (uint64, bool)
	Reclaim()
}

// SystemProbe reads MemAvailable through procfs and reclaims with a forced
// GC. ProcRoot defaults to /proc.
type SystemProbe struct {
	ProcRoot string
}

func (p SystemProbe) Available() (uint64, bool) {
	root := p.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0, false
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemAvailable == nil {
		return 0, false
	}
	return *mi.MemAvailable << 10, true
}

func (SystemProbe) Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}
