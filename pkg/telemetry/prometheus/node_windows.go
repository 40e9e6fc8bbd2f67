//go:build windows

package prometheus

import (
	"runtime"

	"github.com/mackerelio/go-osstat/loadavg"
)

// go-osstat has no load average or cpu counters on windows, node stats report zero load
func getLoadAvg() (*loadavg.Stats, error) {
	return &loadavg.Stats{}, nil
}

func getCPUStats() (float32, uint32, error) {
	return 0, uint32(runtime.NumCPU()), nil
}
