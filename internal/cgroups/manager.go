// Package cgroups places worker processes in per-worker control groups with
// optional CPU and memory caps.
//
// Everything here is best effort: without permission to write the cgroup
// tree, workers run unconfined rather than failing to start.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is where the cgroup filesystem is mounted.
const DefaultRoot = "/sys/fs/cgroup"

// Manager creates, joins and deletes worker cgroups.
type Manager struct {
	root    string
	prefix  string
	version int
}

// New creates a manager rooted at DefaultRoot, grouping workers under prefix.
func New(prefix string) *Manager {
	return NewAt(DefaultRoot, prefix)
}

// NewAt creates a manager rooted at an arbitrary directory.
func NewAt(root, prefix string) *Manager {
	if prefix == "" {
		prefix = "forkpool"
	}
	return &Manager{root: root, prefix: prefix, version: detectVersion(root)}
}

// Version returns the detected cgroup version (1 or 2).
func (m *Manager) Version() int {
	return m.version
}

func detectVersion(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Name builds the cgroup name for one worker.
func (m *Manager) Name(instance string, slot, pid int) string {
	if instance == "" {
		instance = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return filepath.Join(m.prefix, instance, fmt.Sprintf("slot-%d-%d", slot, pid))
}

// Create makes the cgroup directory. An empty path and nil error means
// cgroups are not writable here.
func (m *Manager) Create(name string) (string, error) {
	var path string
	if m.version == 2 {
		path = filepath.Join(m.root, name)
	} else {
		path = filepath.Join(m.root, "cpu", name)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if m.version == 1 {
		os.MkdirAll(m.v1MemoryPath(path), 0755)
	}
	return path, nil
}

// Apply writes the limits into an existing cgroup.
func (m *Manager) Apply(path string, l Limits) error {
	if path == "" || l.Empty() {
		return nil
	}
	if err := l.Validate(); err != nil {
		return err
	}
	var errs []error
	if err := m.writeCPUMax(path, l); err != nil {
		errs = append(errs, fmt.Errorf("cpu max: %w", err))
	}
	if err := m.writeCPUWeight(path, l.CPUWeight); err != nil {
		errs = append(errs, fmt.Errorf("cpu weight: %w", err))
	}
	if err := m.writeMemoryMax(path, l.MemoryBytes()); err != nil {
		errs = append(errs, fmt.Errorf("memory max: %w", err))
	}
	return errors.Join(errs...)
}

// Join moves pid into the cgroup.
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), data, 0644); err != nil {
		return err
	}
	if m.version == 1 {
		os.WriteFile(filepath.Join(m.v1MemoryPath(path), "cgroup.procs"), data, 0644)
	}
	return nil
}

// Delete removes the cgroup once its process has exited.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if m.version == 1 {
		os.Remove(m.v1MemoryPath(path))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) v1MemoryPath(cpuPath string) string {
	rel := strings.TrimPrefix(cpuPath, filepath.Join(m.root, "cpu"))
	return filepath.Join(m.root, "memory", rel)
}
