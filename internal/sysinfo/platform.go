package sysinfo

import (
	"os"
	"path/filepath"
	"syscall"
)

// procfs files read by Collect, relative to CollectorConfig.ProcRoot.
const (
	procLoadAvg = "loadavg"
	procMemInfo = "meminfo"
	procUptime  = "uptime"
)

func (c *Collector) procPath(name string) string {
	return filepath.Join(c.config.ProcRoot, name)
}

func readProcFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func statMount(path string) (*syscall.Statfs_t, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}
