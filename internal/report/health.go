package report

import "sort"

// Thresholds is a warning/critical pair; a value at or above a level triggers it.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func (t Thresholds) level(value float64) Status {
	switch {
	case t.Critical > 0 && value >= t.Critical:
		return StatusCritical
	case t.Warning > 0 && value >= t.Warning:
		return StatusWarning
	default:
		return StatusOK
	}
}

// HealthConfig describes the per-dimension thresholds used to classify a service.
type HealthConfig struct {
	CPU     Thresholds
	Heap    Thresholds
	GC      Thresholds
	Threads Thresholds
	// IncludeThreads lets thread count escalate status; otherwise it is informational.
	IncludeThreads bool
}

// DefaultHealthConfig returns the stock thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CPU:     Thresholds{Warning: 0.50, Critical: 0.80},
		Heap:    Thresholds{Warning: 0.70, Critical: 0.85},
		GC:      Thresholds{Warning: 0.03, Critical: 0.10},
		Threads: Thresholds{Warning: 50, Critical: 100},
	}
}

// HealthClassifier applies the configured thresholds.
type HealthClassifier struct {
	cfg HealthConfig
}

// NewHealthClassifier fills unset pairs from the defaults.
func NewHealthClassifier(cfg HealthConfig) *HealthClassifier {
	def := DefaultHealthConfig()
	if cfg.CPU == (Thresholds{}) {
		cfg.CPU = def.CPU
	}
	if cfg.Heap == (Thresholds{}) {
		cfg.Heap = def.Heap
	}
	if cfg.GC == (Thresholds{}) {
		cfg.GC = def.GC
	}
	if cfg.Threads == (Thresholds{}) {
		cfg.Threads = def.Threads
	}
	return &HealthClassifier{cfg: cfg}
}

// Classify returns the highest severity triggered by any dimension and one issue per triggered dimension.
func (c *HealthClassifier) Classify(s ServiceHealth) (Status, []string) {
	status := StatusOK
	issues := []string{}

	check := func(label string, value float64, t Thresholds) {
		lvl := t.level(value)
		switch lvl {
		case StatusCritical:
			issues = append(issues, label+" critical")
		case StatusWarning:
			issues = append(issues, label+" warning")
		default:
			return
		}
		if lvl.rank() > status.rank() {
			status = lvl
		}
	}

	check("CPU", s.CPURate, c.cfg.CPU)
	check("Heap", HeapPct(s.HeapUsedBytes, s.HeapMaxBytes), c.cfg.Heap)
	check("GC", s.GCRate, c.cfg.GC)
	if c.cfg.IncludeThreads {
		check("Threads", float64(s.ThreadCount), c.cfg.Threads)
	}
	return status, issues
}

// SortHealth orders CRITICAL, WARNING, OK, ties by service id.
func SortHealth(services []ServiceHealth) {
	sort.SliceStable(services, func(i, j int) bool {
		ri, rj := services[i].Status.rank(), services[j].Status.rank()
		if ri != rj {
			return ri > rj
		}
		return services[i].ServiceID < services[j].ServiceID
	})
}
