package prometheus

import (
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	pcengineNamespace string = "pcengine"
)

var (
	initialized atomic.Bool

	promCPULoad    prometheus.Gauge
	promMemoryLoad prometheus.Gauge
	promLoadAvg    *prometheus.GaugeVec
)

// NodeStats is a point-in-time view of host load
type NodeStats struct {
	UpdatedAt  time.Time
	NumCPUs    uint32
	CPULoad    float32
	MemoryLoad float32
	LoadAvg1   float64
	LoadAvg5   float64
	LoadAvg15  float64
}

// Init registers every collector once per process, later calls are ignored
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	promCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "node",
		Name:        "memory_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promLoadAvg = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "node",
		Name:        "load_avg",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"window"})

	prometheus.MustRegister(promCPULoad)
	prometheus.MustRegister(promMemoryLoad)
	prometheus.MustRegister(promLoadAvg)

	initSignalingStats(nodeID)
}

func IsInitialized() bool {
	return initialized.Load()
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// GetNodeStats samples host load and updates the node gauges when registered
func GetNodeStats() (*NodeStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// memory stats are unavailable on some platforms, use them when present
	memoryLoad, _ := getMemoryStats()

	stats := &NodeStats{
		UpdatedAt:  time.Now(),
		NumCPUs:    numCPUs,
		CPULoad:    cpuLoad,
		MemoryLoad: memoryLoad,
		LoadAvg1:   loadAvg.Loadavg1,
		LoadAvg5:   loadAvg.Loadavg5,
		LoadAvg15:  loadAvg.Loadavg15,
	}

	if initialized.Load() {
		promCPULoad.Set(float64(stats.CPULoad))
		promMemoryLoad.Set(float64(stats.MemoryLoad))
		promLoadAvg.WithLabelValues("1m").Set(stats.LoadAvg1)
		promLoadAvg.WithLabelValues("5m").Set(stats.LoadAvg5)
		promLoadAvg.WithLabelValues("15m").Set(stats.LoadAvg15)
	}
	return stats, nil
}
