package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// cpuPeriodUs is the CFS period written alongside a quota.
const cpuPeriodUs = 100000

// Limits are the resource caps applied to one worker. Zero values mean unlimited.
type Limits struct {
	// CPUQuota is the number of cores the worker may use (0.5 = half a core).
	CPUQuota float64 `mapstructure:"cpu_quota" yaml:"cpu_quota" json:"cpu_quota"`
	// CPUWeight is the relative share, 1-10000 (100 is the kernel default).
	CPUWeight int `mapstructure:"cpu_weight" yaml:"cpu_weight" json:"cpu_weight"`
	// MemoryMB caps resident memory in megabytes.
	MemoryMB int64 `mapstructure:"memory_mb" yaml:"memory_mb" json:"memory_mb"`
}

// Empty reports whether no limit is set.
func (l Limits) Empty() bool {
	return l.CPUQuota == 0 && l.CPUWeight == 0 && l.MemoryMB == 0
}

// Validate checks the limits are in range.
func (l Limits) Validate() error {
	if l.CPUQuota < 0 {
		return fmt.Errorf("invalid cpu quota: %g", l.CPUQuota)
	}
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMB < 0 {
		return fmt.Errorf("invalid memory limit: %dMB", l.MemoryMB)
	}
	return nil
}

// CPUMax renders the quota in cpu.max format ("quota period" or "max").
func (l Limits) CPUMax() string {
	if l.CPUQuota <= 0 {
		return "max"
	}
	return fmt.Sprintf("%d %d", l.quotaUs(), cpuPeriodUs)
}

// quotaUs is the CFS quota per period; the kernel rejects anything under 1ms.
func (l Limits) quotaUs() int64 {
	quota := int64(l.CPUQuota * cpuPeriodUs)
	if quota < 1000 {
		quota = 1000
	}
	return quota
}

// MemoryBytes returns the memory cap in bytes.
func (l Limits) MemoryBytes() int64 {
	return l.MemoryMB * 1024 * 1024
}

func (m *Manager) writeCPUMax(path string, l Limits) error {
	if l.CPUQuota == 0 {
		return nil
	}
	if m.version == 2 {
		return os.WriteFile(filepath.Join(path, "cpu.max"), []byte(l.CPUMax()), 0644)
	}
	q := l.quotaUs()
	if err := os.WriteFile(filepath.Join(path, "cpu.cfs_period_us"), []byte(strconv.Itoa(cpuPeriodUs)), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "cpu.cfs_quota_us"), []byte(strconv.FormatInt(q, 10)), 0644)
}

func (m *Manager) writeCPUWeight(path string, weight int) error {
	if weight == 0 {
		return nil
	}
	if m.version == 2 {
		return os.WriteFile(filepath.Join(path, "cpu.weight"), []byte(strconv.Itoa(weight)), 0644)
	}
	// v1 shares: weight 100 = 1024 shares
	shares := weight * 1024 / 100
	return os.WriteFile(filepath.Join(path, "cpu.shares"), []byte(strconv.Itoa(shares)), 0644)
}

func (m *Manager) writeMemoryMax(path string, bytes int64) error {
	if bytes == 0 {
		return nil
	}
	if m.version == 2 {
		return os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0644)
	}
	return os.WriteFile(filepath.Join(m.v1MemoryPath(path), "memory.limit_in_bytes"), []byte(strconv.FormatInt(bytes, 10)), 0644)
}
