package report

import (
	"math"
	"sort"
	"time"

	"profdiag/internal/profile"
	"profdiag/internal/service"
)

// MaxSlowestEndpoints caps the route list in the HTTP section.
const MaxSlowestEndpoints = 10

// RouteSample is one route latency reading as returned by the metrics source.
type RouteSample struct {
	Instance string
	Route    string
	Seconds  float64
}

// Inputs is the raw material gathered by the collector. Instance maps are keyed by
// the metrics instance label; a nil map means the query failed or was not run.
type Inputs struct {
	CollectedAt time.Time
	Sources     []SourceStatus

	CPU       map[string]float64
	HeapUsed  map[string]float64
	HeapMax   map[string]float64
	GC        map[string]float64
	Threads   map[string]float64
	HeapDelta map[string]float64

	ReqRate      map[string]float64
	ErrRate      map[string]float64
	LatencySum   map[string]float64
	LatencyCount map[string]float64
	Routes       []RouteSample

	// Profiles is keyed by canonical service id.
	Profiles map[string]map[profile.Type][]profile.HotFunction
	Alerts   []Alert
}

// Builder joins raw inputs by service identity into a DiagnosticReport.
type Builder struct {
	names      *service.Normalizer
	health     *HealthClassifier
	bottleneck *BottleneckClassifier
}

// NewBuilder returns a configured Builder.
func NewBuilder(names *service.Normalizer, health *HealthClassifier, bottleneck *BottleneckClassifier) *Builder {
	if health == nil {
		health = NewHealthClassifier(DefaultHealthConfig())
	}
	if bottleneck == nil {
		bottleneck = NewBottleneckClassifier(DefaultBottleneckConfig())
	}
	return &Builder{names: names, health: health, bottleneck: bottleneck}
}

// Build assembles the report. When serviceFilter is non-empty only that canonical
// service appears in the per-service sections.
func (b *Builder) Build(in Inputs, serviceFilter string) DiagnosticReport {
	keep := func(id string) bool {
		return serviceFilter == "" || id == serviceFilter
	}

	healthAgg := b.aggregateHealth(in, keep)
	healthOut := make([]ServiceHealth, 0, len(healthAgg))
	for _, agg := range healthAgg {
		h := agg.sample
		h.HeapPct = HeapPct(h.HeapUsedBytes, h.HeapMaxBytes)
		h.Status, h.Issues = b.health.Classify(h)
		healthOut = append(healthOut, h)
	}
	SortHealth(healthOut)

	traffic, latencyMs := b.buildTraffic(in, keep)
	profiles := b.buildProfiles(in, keep)

	verdicts := b.buildVerdicts(healthAgg, profiles, latencyMs)

	return DiagnosticReport{
		Timestamp: in.CollectedAt.UTC(),
		Sources:   append([]SourceStatus{}, in.Sources...),
		Health:    healthOut,
		HTTP: HTTPSection{
			Services:         traffic,
			SlowestEndpoints: b.buildRoutes(in.Routes, keep),
		},
		Profiles:    profiles,
		Bottlenecks: verdicts,
		Alerts:      b.buildAlerts(in.Alerts, keep),
	}
}

type healthAggregate struct {
	sample    ServiceHealth
	heapDelta float64
	hasDelta  bool
}

func (b *Builder) aggregateHealth(in Inputs, keep func(string) bool) map[string]*healthAggregate {
	out := map[string]*healthAggregate{}
	get := func(instance string) *healthAggregate {
		id := b.names.Canonical(instance)
		if !keep(id) {
			return nil
		}
		agg, ok := out[id]
		if !ok {
			agg = &healthAggregate{sample: ServiceHealth{ServiceID: id}}
			out[id] = agg
		}
		return agg
	}

	for instance, v := range in.CPU {
		if agg := get(instance); agg != nil {
			agg.sample.CPURate = math.Max(agg.sample.CPURate, finite(v))
		}
	}
	for instance, v := range in.GC {
		if agg := get(instance); agg != nil {
			agg.sample.GCRate = math.Max(agg.sample.GCRate, finite(v))
		}
	}
	for instance, v := range in.HeapUsed {
		if agg := get(instance); agg != nil {
			agg.sample.HeapUsedBytes += int64(finite(v))
		}
	}
	for instance, v := range in.HeapMax {
		if agg := get(instance); agg != nil {
			agg.sample.HeapMaxBytes += int64(finite(v))
		}
	}
	for instance, v := range in.Threads {
		if agg := get(instance); agg != nil {
			agg.sample.ThreadCount += int64(finite(v))
		}
	}
	// Trend data never creates a service on its own.
	for instance, v := range in.HeapDelta {
		if agg, ok := out[b.names.Canonical(instance)]; ok {
			agg.heapDelta += finite(v)
			agg.hasDelta = true
		}
	}
	return out
}

func (b *Builder) buildTraffic(in Inputs, keep func(string) bool) ([]HTTPTraffic, map[string]float64) {
	instances := map[string]struct{}{}
	for _, m := range []map[string]float64{in.ReqRate, in.ErrRate, in.LatencySum, in.LatencyCount} {
		for instance := range m {
			instances[instance] = struct{}{}
		}
	}

	type latency struct{ sum, count float64 }
	perService := map[string]*latency{}
	traffic := make([]HTTPTraffic, 0, len(instances))
	for instance := range instances {
		id := b.names.Canonical(instance)
		if !keep(id) {
			continue
		}
		sum, count := finite(in.LatencySum[instance]), finite(in.LatencyCount[instance])
		traffic = append(traffic, HTTPTraffic{
			InstanceID:   instance,
			ServiceID:    id,
			ReqPerSec:    finite(in.ReqRate[instance]),
			ErrPerSec:    finite(in.ErrRate[instance]),
			AvgLatencyMs: AvgLatencyMs(sum, count),
		})
		l, ok := perService[id]
		if !ok {
			l = &latency{}
			perService[id] = l
		}
		l.sum += sum
		l.count += count
	}
	sort.Slice(traffic, func(i, j int) bool {
		if traffic[i].ServiceID != traffic[j].ServiceID {
			return traffic[i].ServiceID < traffic[j].ServiceID
		}
		return traffic[i].InstanceID < traffic[j].InstanceID
	})

	latencyMs := make(map[string]float64, len(perService))
	for id, l := range perService {
		latencyMs[id] = AvgLatencyMs(l.sum, l.count)
	}
	return traffic, latencyMs
}

func (b *Builder) buildRoutes(samples []RouteSample, keep func(string) bool) []EndpointLatency {
	out := make([]EndpointLatency, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.Seconds) || math.IsInf(s.Seconds, 0) {
			continue
		}
		id := ""
		if s.Instance != "" {
			id = b.names.Canonical(s.Instance)
		}
		if !keep(id) {
			continue
		}
		out = append(out, EndpointLatency{Route: s.Route, ServiceID: id, AvgLatencySeconds: s.Seconds})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgLatencySeconds != out[j].AvgLatencySeconds {
			return out[i].AvgLatencySeconds > out[j].AvgLatencySeconds
		}
		return out[i].Route < out[j].Route
	})
	if len(out) > MaxSlowestEndpoints {
		out = out[:MaxSlowestEndpoints]
	}
	return out
}

func (b *Builder) buildProfiles(in Inputs, keep func(string) bool) []ServiceProfile {
	out := make([]ServiceProfile, 0, len(in.Profiles))
	for raw, byType := range in.Profiles {
		id := b.names.Canonical(raw)
		if !keep(id) {
			continue
		}
		out = append(out, ServiceProfile{
			ServiceID: id,
			CPU:       orEmpty(byType[profile.TypeCPU]),
			Memory:    orEmpty(byType[profile.TypeMemory]),
			Mutex:     orEmpty(byType[profile.TypeMutex]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

func (b *Builder) buildVerdicts(health map[string]*healthAggregate, profiles []ServiceProfile, latencyMs map[string]float64) []BottleneckVerdict {
	byService := make(map[string]ServiceProfile, len(profiles))
	ids := map[string]struct{}{}
	for _, p := range profiles {
		byService[p.ServiceID] = p
		ids[p.ServiceID] = struct{}{}
	}
	for id := range health {
		ids[id] = struct{}{}
	}

	out := make([]BottleneckVerdict, 0, len(ids))
	for id := range ids {
		in := BottleneckInput{AvgLatencyMs: latencyMs[id]}
		if agg, ok := health[id]; ok {
			s := agg.sample
			in.CPURate = s.CPURate
			in.GCRate = s.GCRate
			in.HeapPct = HeapPct(s.HeapUsedBytes, s.HeapMaxBytes)
			in.ThreadCount = s.ThreadCount
			in.HeapRising = agg.hasDelta && agg.heapDelta > 0
		}
		if p, ok := byService[id]; ok {
			in.CPUTopPct = profile.TopPct(p.CPU)
			in.MemoryTopPct = profile.TopPct(p.Memory)
			in.MutexTopPct = profile.TopPct(p.Mutex)
			in.HasCPUProfile = len(p.CPU) > 0
		}
		verdict, reason := b.bottleneck.Classify(in)
		out = append(out, BottleneckVerdict{ServiceID: id, Verdict: verdict, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

func (b *Builder) buildAlerts(alerts []Alert, keep func(string) bool) []Alert {
	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if !keep(b.names.Canonical(a.Instance)) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 3
	case "warning":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
