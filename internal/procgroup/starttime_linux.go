package procgroup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StartTime returns the start-time fingerprint of pid: the kernel's
// starttime field from /proc/<pid>/stat, measured in clock ticks since
// boot. Combined with the pid it uniquely identifies a process instance;
// a recycled pid always gets a later starttime.
func StartTime(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("procgroup: invalid pid %d", pid)
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("procgroup: read stat for pid %d: %w", pid, err)
	}
	return parseStartTime(string(data))
}

// parseStartTime extracts field 22 (starttime) from a /proc/<pid>/stat
// line. The comm field (2) may contain spaces and parentheses, so parsing
// starts after the last ')'.
func parseStartTime(stat string) (uint64, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 || end+2 > len(stat) {
		return 0, fmt.Errorf("procgroup: malformed stat line")
	}
	fields := strings.Fields(stat[end+2:])
	// fields[0] is stat field 3 (state); starttime is stat field 22.
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return 0, fmt.Errorf("procgroup: stat line has %d fields after comm, need %d", len(fields), startTimeIndex+1)
	}
	v, err := strconv.ParseUint(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("procgroup: parse starttime: %w", err)
	}
	return v, nil
}
