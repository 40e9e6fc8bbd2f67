//go:build !windows

package prometheus

import (
	"runtime"
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/loadavg"
)

// cpuSampler turns cumulative cpu counters into the load since the previous sample
type cpuSampler struct {
	lock        sync.Mutex
	total, idle uint64
}

var hostCPU cpuSampler

func (s *cpuSampler) sample() (float32, error) {
	stats, err := cpu.Get()
	if err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var load float32
	// the first sample and counter resets report no load
	if s.total > 0 && stats.Total > s.total {
		load = 1 - float32(stats.Idle-s.idle)/float32(stats.Total-s.total)
	}
	s.total, s.idle = stats.Total, stats.Idle
	return load, nil
}

func getLoadAvg() (*loadavg.Stats, error) {
	return loadavg.Get()
}

func getCPUStats() (cpuLoad float32, numCPUs uint32, err error) {
	cpuLoad, err = hostCPU.sample()
	return cpuLoad, uint32(runtime.NumCPU()), err
}
