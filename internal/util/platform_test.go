package util

import (
	"runtime"
	"testing"
)

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()

	if info.Platform != runtime.GOOS {
		t.Errorf("Platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.Architecture != runtime.GOARCH {
		t.Errorf("Architecture = %q, want %q", info.Architecture, runtime.GOARCH)
	}
	if info.CPUCores != runtime.NumCPU() {
		t.Errorf("CPUCores = %d, want %d", info.CPUCores, runtime.NumCPU())
	}
}

func TestGetCPUUsage(t *testing.T) {
	usage, err := GetCPUUsage()
	if err != nil {
		t.Fatalf("GetCPUUsage: %v", err)
	}
	if usage < 0 || usage > 100 {
		t.Errorf("usage = %f, want 0..100", usage)
	}
}

func TestGetMemoryUsage(t *testing.T) {
	mem, err := GetMemoryUsage()
	if err != nil {
		t.Fatalf("GetMemoryUsage: %v", err)
	}
	if mem.Total == 0 {
		t.Error("Total = 0")
	}
	if mem.Used > mem.Total {
		t.Errorf("Used %d exceeds Total %d", mem.Used, mem.Total)
	}
	if mem.UsedPercent < 0 || mem.UsedPercent > 100 {
		t.Errorf("UsedPercent = %f, want 0..100", mem.UsedPercent)
	}
}
