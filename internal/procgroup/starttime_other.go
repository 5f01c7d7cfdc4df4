//go:build !linux

package procgroup

// StartTime is unsupported off Linux.
func StartTime(pid int) (uint64, error) {
	return 0, ErrNoFingerprint
}
