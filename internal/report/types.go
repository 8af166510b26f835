package report

import (
	"time"

	"profdiag/internal/profile"
)

// Status is the health classification of one service.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Verdict names the dominant bottleneck of a service.
type Verdict string

const (
	VerdictCPUBound       Verdict = "CPU_BOUND"
	VerdictGCBound        Verdict = "GC_BOUND"
	VerdictMemoryPressure Verdict = "MEMORY_PRESSURE"
	VerdictLockBound      Verdict = "LOCK_BOUND"
	VerdictIOBound        Verdict = "IO_BOUND"
	VerdictHealthy        Verdict = "HEALTHY"
)

// Source names as they appear in the report header.
const (
	SourceMetrics   = "metrics"
	SourceProfiling = "profiling"
	SourceAlerts    = "alerts"
)

// ServiceHealth is the per-service JVM snapshot with its derived classification.
type ServiceHealth struct {
	ServiceID     string   `json:"service_id"`
	CPURate       float64  `json:"cpu_rate"`
	HeapUsedBytes int64    `json:"heap_used_bytes"`
	HeapMaxBytes  int64    `json:"heap_max_bytes"`
	HeapPct       float64  `json:"heap_pct"`
	GCRate        float64  `json:"gc_rate"`
	ThreadCount   int64    `json:"thread_count"`
	Status        Status   `json:"status"`
	Issues        []string `json:"issues"`
}

// HTTPTraffic is the request rate and latency of one service instance.
type HTTPTraffic struct {
	InstanceID   string  `json:"instance_id"`
	ServiceID    string  `json:"service_id"`
	ReqPerSec    float64 `json:"req_per_sec"`
	ErrPerSec    float64 `json:"err_per_sec"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// EndpointLatency is the average latency of one route.
type EndpointLatency struct {
	Route             string  `json:"route"`
	ServiceID         string  `json:"service_id,omitempty"`
	AvgLatencySeconds float64 `json:"avg_latency_s"`
}

// HTTPSection groups instance traffic and the slowest routes.
type HTTPSection struct {
	Services         []HTTPTraffic     `json:"services"`
	SlowestEndpoints []EndpointLatency `json:"slowest_endpoints"`
}

// ServiceProfile holds the hot functions of one service per profile type.
type ServiceProfile struct {
	ServiceID string                `json:"service_id"`
	CPU       []profile.HotFunction `json:"cpu_top5"`
	Memory    []profile.HotFunction `json:"memory_top5"`
	Mutex     []profile.HotFunction `json:"mutex_top5"`
}

// Functions returns the hot functions for one profile type.
func (p ServiceProfile) Functions(t profile.Type) []profile.HotFunction {
	switch t {
	case profile.TypeCPU:
		return p.CPU
	case profile.TypeMemory:
		return p.Memory
	case profile.TypeMutex:
		return p.Mutex
	}
	return nil
}

// Alert is one firing alert.
type Alert struct {
	Name        string    `json:"name"`
	Severity    string    `json:"severity"`
	Instance    string    `json:"instance"`
	Summary     string    `json:"summary"`
	ActiveSince time.Time `json:"active_since"`
}

// BottleneckVerdict is the classifier output for one service.
type BottleneckVerdict struct {
	ServiceID string  `json:"service_id"`
	Verdict   Verdict `json:"verdict"`
	Reason    string  `json:"reason"`
}

// SourceStatus records whether an external source answered during this run.
type SourceStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// DiagnosticReport is the immutable result of one invocation.
type DiagnosticReport struct {
	Timestamp   time.Time           `json:"timestamp"`
	Sources     []SourceStatus      `json:"sources"`
	Health      []ServiceHealth     `json:"health"`
	HTTP        HTTPSection         `json:"http"`
	Profiles    []ServiceProfile    `json:"profiles"`
	Bottlenecks []BottleneckVerdict `json:"bottlenecks"`
	Alerts      []Alert             `json:"alerts"`
}

// Source looks up the status of a named source.
func (r DiagnosticReport) Source(name string) (SourceStatus, bool) {
	for _, s := range r.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceStatus{}, false
}

// Reachable reports whether the named source answered. Unknown sources count as unreachable.
func (r DiagnosticReport) Reachable(name string) bool {
	s, ok := r.Source(name)
	return ok && s.Reachable
}

// AnyReachable is false only when every source failed.
func (r DiagnosticReport) AnyReachable() bool {
	for _, s := range r.Sources {
		if s.Reachable {
			return true
		}
	}
	return false
}

// HeapPct returns used/max, or 0 when max is not positive.
func HeapPct(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// AvgLatencyMs converts a latency sum (seconds) and request count into milliseconds, 0 when count is 0.
func AvgLatencyMs(sumSeconds, count float64) float64 {
	if count <= 0 {
		return 0
	}
	return sumSeconds / count * 1000
}
