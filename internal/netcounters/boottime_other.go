//go:build !linux

package netcounters

func bootTimeMs() int64 {
	return monotonicMs()
}
