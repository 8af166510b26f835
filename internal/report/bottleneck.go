package report

import "fmt"

// TrendMode selects how MEMORY_PRESSURE treats heap growth.
type TrendMode string

const (
	// TrendSnapshot classifies on the current heap share alone.
	TrendSnapshot TrendMode = "snapshot"
	// TrendRising additionally requires heap to have grown over the trend window.
	TrendRising TrendMode = "trend"
)

// BottleneckConfig holds the decision-table thresholds. Materiality values are percentages.
type BottleneckConfig struct {
	CPUWarning        float64
	GCWarning         float64
	HeapWarning       float64
	CPUMateriality    float64
	MemoryMateriality float64
	MutexMateriality  float64
	// LockCPUCeiling is the cpu rate below which lock contention can dominate.
	LockCPUCeiling float64
	LatencySLOMs   float64
	TrendMode      TrendMode
}

// DefaultBottleneckConfig returns the stock decision-table thresholds.
func DefaultBottleneckConfig() BottleneckConfig {
	return BottleneckConfig{
		CPUWarning:        0.50,
		GCWarning:         0.03,
		HeapWarning:       0.70,
		CPUMateriality:    20,
		MemoryMateriality: 20,
		MutexMateriality:  10,
		LockCPUCeiling:    0.50,
		LatencySLOMs:      200,
		TrendMode:         TrendSnapshot,
	}
}

// BottleneckInput is everything the decision table looks at for one service.
type BottleneckInput struct {
	CPURate       float64
	GCRate        float64
	HeapPct       float64
	HeapRising    bool
	CPUTopPct     float64
	MemoryTopPct  float64
	MutexTopPct   float64
	HasCPUProfile bool
	ThreadCount   int64
	AvgLatencyMs  float64
}

// BottleneckClassifier applies the decision table in priority order; the first match wins.
type BottleneckClassifier struct {
	cfg BottleneckConfig
}

// NewBottleneckClassifier fills unset fields from the defaults.
func NewBottleneckClassifier(cfg BottleneckConfig) *BottleneckClassifier {
	def := DefaultBottleneckConfig()
	if cfg.CPUWarning <= 0 {
		cfg.CPUWarning = def.CPUWarning
	}
	if cfg.GCWarning <= 0 {
		cfg.GCWarning = def.GCWarning
	}
	if cfg.HeapWarning <= 0 {
		cfg.HeapWarning = def.HeapWarning
	}
	if cfg.CPUMateriality <= 0 {
		cfg.CPUMateriality = def.CPUMateriality
	}
	if cfg.MemoryMateriality <= 0 {
		cfg.MemoryMateriality = def.MemoryMateriality
	}
	if cfg.MutexMateriality <= 0 {
		cfg.MutexMateriality = def.MutexMateriality
	}
	if cfg.LockCPUCeiling <= 0 {
		cfg.LockCPUCeiling = cfg.CPUWarning
	}
	if cfg.LatencySLOMs <= 0 {
		cfg.LatencySLOMs = def.LatencySLOMs
	}
	if cfg.TrendMode != TrendRising {
		cfg.TrendMode = TrendSnapshot
	}
	return &BottleneckClassifier{cfg: cfg}
}

// TrendMode reports the configured heap trend handling.
func (c *BottleneckClassifier) TrendMode() TrendMode {
	return c.cfg.TrendMode
}

// Classify returns exactly one verdict and a short human-readable reason.
func (c *BottleneckClassifier) Classify(in BottleneckInput) (Verdict, string) {
	cfg := c.cfg

	if in.CPURate >= cfg.CPUWarning {
		if !in.HasCPUProfile {
			return VerdictCPUBound, fmt.Sprintf("cpu %.0f%% of a core (no cpu profile)", in.CPURate*100)
		}
		if in.CPUTopPct > cfg.CPUMateriality {
			return VerdictCPUBound, fmt.Sprintf("cpu %.0f%% of a core, hottest function %.1f%% self time", in.CPURate*100, in.CPUTopPct)
		}
	}

	if in.GCRate >= cfg.GCWarning {
		return VerdictGCBound, fmt.Sprintf("gc %.3fs per second", in.GCRate)
	}

	if in.HeapPct >= cfg.HeapWarning {
		switch {
		case cfg.TrendMode == TrendSnapshot:
			return VerdictMemoryPressure, fmt.Sprintf("heap %.0f%% of max", in.HeapPct*100)
		case in.HeapRising:
			return VerdictMemoryPressure, fmt.Sprintf("heap %.0f%% of max and rising", in.HeapPct*100)
		}
	}

	if in.MutexTopPct > cfg.MutexMateriality && in.CPURate < cfg.LockCPUCeiling {
		return VerdictLockBound, fmt.Sprintf("hottest lock %.1f%% of contention with cpu at %.0f%%", in.MutexTopPct, in.CPURate*100)
	}

	flat := in.CPUTopPct <= cfg.CPUMateriality &&
		in.MemoryTopPct <= cfg.MemoryMateriality &&
		in.MutexTopPct <= cfg.MutexMateriality
	if in.AvgLatencyMs > cfg.LatencySLOMs && flat {
		return VerdictIOBound, fmt.Sprintf("latency %.0fms over %.0fms SLO with flat profiles", in.AvgLatencyMs, cfg.LatencySLOMs)
	}

	return VerdictHealthy, "no threshold crossed"
}
