package sysmon

import (
	"os"
	"testing"
)

func TestSelf(t *testing.T) {
	t.Parallel()
	info, err := Self()
	if err != nil {
		t.Fatalf("Self failed: %v", err)
	}

	if info.PID != int32(os.Getpid()) {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), info.PID)
	}
	if info.Goroutines < 1 {
		t.Errorf("Expected at least one goroutine, got %d", info.Goroutines)
	}
	if info.MemoryMB < 0 {
		t.Errorf("Memory must not be negative, got %f", info.MemoryMB)
	}
}
