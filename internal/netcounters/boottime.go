package netcounters

import "time"

var processStart = time.Now()

// monotonicMs is the fallback elapsed time: monotonic time since process
// start.
func monotonicMs() int64 {
	return time.Since(processStart).Milliseconds()
}
