// Package sysinfo reads host load from Linux procfs for the development
// metrics feed.
package sysinfo

import (
	"bufio"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/workspace/livesync/internal/clock"
)

// Stream names published by the feed.
const (
	StreamCPU    = "cpu_percent"
	StreamMemory = "memory_percent"
	StreamDisk   = "disk_percent"
	StreamLoad   = "load_avg_1"
	StreamUptime = "uptime_seconds"
)

// Snapshot is one reading of host load.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	LoadAvg1      float64 `json:"load_avg_1"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Fields returns the snapshot keyed by stream name.
func (s Snapshot) Fields() map[string]float64 {
	return map[string]float64{
		StreamCPU:    s.CPUPercent,
		StreamMemory: s.MemoryPercent,
		StreamDisk:   s.DiskPercent,
		StreamLoad:   s.LoadAvg1,
		StreamUptime: s.UptimeSeconds,
	}
}

// LoadAvg holds the three load averages and the core count.
type LoadAvg struct {
	Load1  float64
	Load5  float64
	Load15 float64
	NumCPU int
}

// MemoryUsage holds system memory usage.
type MemoryUsage struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedPercent    float64
}

// DiskUsage holds filesystem usage for one mount.
type DiskUsage struct {
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
	UsedPercent    float64
	MountPath      string
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	CacheTTL      time.Duration // default 1s
	DiskMountPath string        // default "/"
	// ProcRoot is where procfs is mounted, e.g. /host/proc in a container.
	ProcRoot string        // default "/proc"
	Clock    clock.Clock
}

// Collector reads and caches host load.
type Collector struct {
	config CollectorConfig

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time

	// readFile and statFS are injectable for testing.
	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Second
	}
	if cfg.DiskMountPath == "" {
		cfg.DiskMountPath = "/"
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Collector{
		config:   cfg,
		readFile: readProcFile,
		statFS:   statMount,
	}
}

// Collect returns the current snapshot, served from cache within CacheTTL.
// Uptime is optional; load, memory, and disk are required.
func (c *Collector) Collect() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Clock.Now()
	if c.cached != nil && now.Sub(c.cachedAt) < c.config.CacheTTL {
		return *c.cached, nil
	}

	content, err := c.readFile(c.procPath(procLoadAvg))
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu: %w", err)
	}
	load := ParseLoadAvg(content)

	content, err = c.readFile(c.procPath(procMemInfo))
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: %w", err)
	}
	mem := ParseMemInfo(content)

	stat, err := c.statFS(c.config.DiskMountPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("disk: %w", err)
	}
	disk := StatFSToDiskUsage(stat, c.config.DiskMountPath)

	var uptime float64
	if content, err := c.readFile(c.procPath(procUptime)); err == nil {
		uptime = ParseUptime(content)
	}

	snap := Snapshot{
		CPUPercent:    CPUPercent(load),
		MemoryPercent: mem.UsedPercent,
		DiskPercent:   disk.UsedPercent,
		LoadAvg1:      load.Load1,
		UptimeSeconds: uptime,
	}
	c.cached = &snap
	c.cachedAt = now
	return snap, nil
}

// ParseLoadAvg parses the content of /proc/loadavg.
func ParseLoadAvg(content string) LoadAvg {
	fields := strings.Fields(strings.TrimSpace(content))
	info := LoadAvg{NumCPU: runtime.NumCPU()}
	if len(fields) >= 1 {
		info.Load1, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 2 {
		info.Load5, _ = strconv.ParseFloat(fields[1], 64)
	}
	if len(fields) >= 3 {
		info.Load15, _ = strconv.ParseFloat(fields[2], 64)
	}
	return info
}

// CPUPercent approximates utilisation as the one-minute load per core,
// capped at 100.
func CPUPercent(load LoadAvg) float64 {
	if load.NumCPU <= 0 {
		return 0
	}
	return roundTo(math.Min(load.Load1/float64(load.NumCPU)*100, 100), 1)
}

// ParseMemInfo parses the content of /proc/meminfo.
func ParseMemInfo(content string) MemoryUsage {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "kB"))
		val, err := strconv.ParseUint(valStr, 10, 64)
		if err != nil {
			continue
		}
		fields[key] = val * 1024
	}

	total := fields["MemTotal"]
	available, ok := fields["MemAvailable"]
	if !ok {
		// Kernels before 3.14 lack MemAvailable.
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}

	var usedPercent float64
	if total > available {
		usedPercent = roundTo(float64(total-available)/float64(total)*100, 1)
	}
	return MemoryUsage{TotalBytes: total, AvailableBytes: available, UsedPercent: usedPercent}
}

// StatFSToDiskUsage converts a Statfs_t to DiskUsage.
func StatFSToDiskUsage(stat *syscall.Statfs_t, mountPath string) DiskUsage {
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))

	var usedPercent float64
	if total > 0 {
		usedPercent = roundTo(float64(used)/float64(total)*100, 1)
	}
	return DiskUsage{
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsedPercent:    usedPercent,
		MountPath:      mountPath,
	}
}

// ParseUptime returns the first field of /proc/uptime in seconds.
func ParseUptime(content string) float64 {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) < 1 {
		return 0
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return seconds
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
