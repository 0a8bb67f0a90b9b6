//go:build linux

package netcounters

import "golang.org/x/sys/unix"

// bootTimeMs reads CLOCK_BOOTTIME, which keeps counting across suspend.
func bootTimeMs() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return monotonicMs()
	}
	return ts.Nano() / 1e6
}
