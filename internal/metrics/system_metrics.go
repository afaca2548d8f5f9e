package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// systemCollector exports host CPU and memory usage at scrape time
type systemCollector struct {
	cpuPercent    *prometheus.Desc
	memUsedBytes  *prometheus.Desc
	memTotalBytes *prometheus.Desc
	memPercent    *prometheus.Desc

	// injectable for tests
	cpuUsage    func() (float64, error)
	memoryUsage func() (*mem.VirtualMemoryStat, error)
}

func newSystemCollector() *systemCollector {
	return &systemCollector{
		cpuPercent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "cpu_usage_percent"),
			"Host CPU usage since the previous scrape",
			nil, nil,
		),
		memUsedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "memory_used_bytes"),
			"Host memory in use",
			nil, nil,
		),
		memTotalBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "memory_total_bytes"),
			"Total host memory",
			nil, nil,
		),
		memPercent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "memory_used_percent"),
			"Host memory usage percentage",
			nil, nil,
		),
		cpuUsage:    hostCPUUsage,
		memoryUsage: mem.VirtualMemory,
	}
}

// hostCPUUsage returns usage since the last call without sleeping
func hostCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return 0.0, err
	}
	return percentages[0], nil
}

func (c *systemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.memUsedBytes
	ch <- c.memTotalBytes
	ch <- c.memPercent
}

// Collect skips any gauge the host cannot report
func (c *systemCollector) Collect(ch chan<- prometheus.Metric) {
	if usage, err := c.cpuUsage(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, usage)
	} else {
		logrus.WithError(err).Debug("Failed to read host CPU usage")
	}

	memInfo, err := c.memoryUsage()
	if err != nil {
		logrus.WithError(err).Debug("Failed to read host memory usage")
		return
	}
	ch <- prometheus.MustNewConstMetric(c.memUsedBytes, prometheus.GaugeValue, float64(memInfo.Used))
	ch <- prometheus.MustNewConstMetric(c.memTotalBytes, prometheus.GaugeValue, float64(memInfo.Total))
	ch <- prometheus.MustNewConstMetric(c.memPercent, prometheus.GaugeValue, memInfo.UsedPercent)
}
