package overuse

import (
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"
)

// HostDiskStats reports system-wide writes from the host block device
// counters. Partitions and virtual devices are skipped so writes are not
// counted twice.
type HostDiskStats struct {
	counters func() (map[string]disk.IOCountersStat, error)

	mu      sync.Mutex
	last    uint64
	hasLast bool
}

// NewHostDiskStats creates a DiskStats backed by disk.IOCounters.
//
// Returns:
//   - *HostDiskStats: ready to pass to Monitor.OnPeriodicMonitor
//
// Example:
//
//	stats := overuse.NewHostDiskStats()
//	err := monitor.OnPeriodicMonitor(time.Now(), stats, alert)
func NewHostDiskStats() *HostDiskStats {
	return &HostDiskStats{counters: func() (map[string]disk.IOCountersStat, error) {
		return disk.IOCounters()
	}}
}

// DeltaKiBWritten returns the KiB written since the previous call. The first
// call and a counter reset both return zero.
func (h *HostDiskStats) DeltaKiBWritten() (int64, error) {
	counters, err := h.counters()
	if err != nil {
		return 0, err
	}
	total := wholeDiskBytesWritten(counters)

	h.mu.Lock()
	defer h.mu.Unlock()
	var delta int64
	if h.hasLast && total >= h.last {
		delta = int64((total - h.last) / 1024)
	}
	h.last, h.hasLast = total, true
	return delta, nil
}

func wholeDiskBytesWritten(counters map[string]disk.IOCountersStat) uint64 {
	var total uint64
	for name, c := range counters {
		if name == "" || isPartition(name) || strings.HasPrefix(name, "loop") ||
			strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "dm-") {
			continue
		}
		total += c.WriteBytes
	}
	return total
}

// isPartition matches sda1 and mmcblk0p1 style names.
func isPartition(name string) bool {
	for _, prefix := range []string{"mmcblk", "nvme"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return strings.Contains(rest, "p")
		}
	}
	last := name[len(name)-1]
	return last >= '0' && last <= '9' && (strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd") || strings.HasPrefix(name, "hd"))
}
