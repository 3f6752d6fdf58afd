package transport

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GuardConfig is the static admission-control configuration. Zero values
// take the defaults noted per field.
type GuardConfig struct {
	MaxConnections int     // hard connection cap (default 10000)
	MaxCPUPercent  float64 // reject upgrades above this CPU load (default 85)
	MaxMemPercent  float64 // reject upgrades above this memory use (default 90)
	MaxGoroutines  int     // reject upgrades above this count (default 0 = off)

	SampleInterval time.Duration // resource sampling cadence (default 5s)

	Logger zerolog.Logger
}

// Guard is the upgrade-path admission controller. Limits are static and
// enforced strictly: when the process is near its CPU, memory, goroutine,
// or connection budget, new upgrades are refused with 503 so existing
// connections keep their quality of service.
//
// Resource samples come from a background loop, so the decision on the
// accept path is a few atomic loads.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	conns atomic.Int64

	currentCPU atomic.Uint64 // float64 bits
	currentMem atomic.Uint64 // float64 bits

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewGuard creates a guard and starts its sampling loop. Call Stop during
// shutdown.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.MaxCPUPercent == 0 {
		cfg.MaxCPUPercent = 85
	}
	if cfg.MaxMemPercent == 0 {
		cfg.MaxMemPercent = 90
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	g := &Guard{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "resource_guard").Logger(),
		stopCh: make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

// Admit reports whether a new connection may be accepted and, when not,
// the reason token for the log line.
func (g *Guard) Admit() (bool, string) {
	if g.conns.Load() >= int64(g.cfg.MaxConnections) {
		return false, "max_connections"
	}
	if cpuPct := g.CPUPercent(); cpuPct > g.cfg.MaxCPUPercent {
		return false, "cpu"
	}
	if memPct := g.MemPercent(); memPct > g.cfg.MaxMemPercent {
		return false, "memory"
	}
	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		return false, "goroutines"
	}
	return true, ""
}

// Acquire counts a connection in. Pair with Release on disconnect.
func (g *Guard) Acquire() { g.conns.Add(1) }

// Release counts a connection out.
func (g *Guard) Release() { g.conns.Add(-1) }

// Connections returns the current admitted connection count.
func (g *Guard) Connections() int64 { return g.conns.Load() }

// CPUPercent returns the last sampled process-wide CPU load.
func (g *Guard) CPUPercent() float64 {
	return loadFloat(&g.currentCPU)
}

// MemPercent returns the last sampled system memory utilization.
func (g *Guard) MemPercent() float64 {
	return loadFloat(&g.currentMem)
}

func (g *Guard) sampleLoop() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		storeFloat(&g.currentCPU, pcts[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		storeFloat(&g.currentMem, vm.UsedPercent)
	} else {
		g.logger.Debug().Err(err).Msg("memory sample failed")
	}
}

// Stop halts the sampling loop. Idempotent.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func storeFloat(dst *atomic.Uint64, v float64) {
	dst.Store(math.Float64bits(v))
}

func loadFloat(src *atomic.Uint64) float64 {
	return math.Float64frombits(src.Load())
}
