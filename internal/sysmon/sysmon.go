package sysmon

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the relay process itself.
type ProcessInfo struct {
	PID           int32     `json:"pid"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryMB      float64   `json:"memoryMB"` // RSS in MB
	MemoryPercent float32   `json:"memoryPercent"`
	NumThreads    int32     `json:"numThreads"`
	NumFDs        int32     `json:"numFDs"`
	Goroutines    int       `json:"goroutines"`
	CreateTime    time.Time `json:"createTime"`
	Uptime        string    `json:"uptime"`
}

// Self returns metrics of the current process. Individual metrics the
// platform cannot provide are left at zero.
func Self() (*ProcessInfo, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	info := fetchProcessInfo(p)
	info.Goroutines = runtime.NumGoroutine()
	return info, nil
}

func fetchProcessInfo(p *process.Process) *ProcessInfo {
	info := &ProcessInfo{
		PID: p.Pid,
	}

	if cpuPercent, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpuPercent
	}

	if memInfo, err := p.MemoryInfo(); err == nil {
		info.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}

	if memPercent, err := p.MemoryPercent(); err == nil {
		info.MemoryPercent = memPercent
	}

	if numThreads, err := p.NumThreads(); err == nil {
		info.NumThreads = numThreads
	}

	if numFDs, err := p.NumFDs(); err == nil {
		info.NumFDs = numFDs
	}

	if createTime, err := p.CreateTime(); err == nil {
		info.CreateTime = time.Unix(0, createTime*int64(time.Millisecond))
		info.Uptime = time.Since(info.CreateTime).Truncate(time.Second).String()
	}

	return info
}
