package monitoring

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sclaflin/Frugal-NVR/recording"
)

// ProcessStats is a point-in-time resource snapshot of one process.
type ProcessStats struct {
	Name          string  `json:"name"`
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsedMB  float64 `json:"memoryUsedMB"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// Monitor periodically samples the recorder itself and every supervised
// capture process. The latest samples are held for the HTTP stats surface.
type Monitor struct {
	logger *log.Logger

	mu      sync.Mutex
	sources map[string]func() (recording.ProcessToken, bool)
	latest  []ProcessStats
}

func NewMonitor(logger *log.Logger) *Monitor {
	return &Monitor{
		logger:  logger,
		sources: make(map[string]func() (recording.ProcessToken, bool)),
	}
}

// Track registers a token source, typically a supervisor's Token method.
// Sources that report no token are skipped on each sample.
func (m *Monitor) Track(name string, source func() (recording.ProcessToken, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = source
}

// Latest returns the most recent sample set.
func (m *Monitor) Latest() []ProcessStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessStats, len(m.latest))
	copy(out, m.latest)
	return out
}

// Start begins sampling at the given interval.
func (m *Monitor) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			m.sample()
		}
	}()
}

func (m *Monitor) sample() {
	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Printf("error getting memory info: %v", err)
		return
	}

	var stats []ProcessStats

	self, err := sampleProcess("recorder", os.Getpid(), virtualMem.Total)
	if err != nil {
		m.logger.Printf("error sampling recorder process: %v", err)
	} else {
		stats = append(stats, self)
	}

	m.mu.Lock()
	sources := make(map[string]func() (recording.ProcessToken, bool), len(m.sources))
	for name, src := range m.sources {
		sources[name] = src
	}
	m.mu.Unlock()

	for name, src := range sources {
		token, ok := src()
		if !ok {
			continue
		}
		s, err := sampleProcess(token.Name, token.PID, virtualMem.Total)
		if err != nil {
			m.logger.Printf("error sampling %s: %v", name, err)
			continue
		}
		stats = append(stats, s)
	}

	m.logger.Printf("resource usage - processes: %d, goroutines: %d", len(stats), runtime.NumGoroutine())

	m.mu.Lock()
	m.latest = stats
	m.mu.Unlock()
}

func sampleProcess(name string, pid int, totalMem uint64) (ProcessStats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("error getting process %d: %v", pid, err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("error getting CPU usage: %v", err)
	}

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("error getting process memory: %v", err)
	}

	return ProcessStats{
		Name:          name,
		PID:           pid,
		CPUPercent:    cpuPercent,
		MemoryUsedMB:  float64(procMem.RSS) / 1024 / 1024,
		MemoryPercent: float64(procMem.RSS) / float64(totalMem) * 100,
	}, nil
}
