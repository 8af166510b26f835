package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"profdiag/internal/profile"
	"profdiag/internal/report"
	"profdiag/internal/service"
	"profdiag/internal/source"
)

type fakeMetrics struct {
	mu      sync.Mutex
	values  map[string]map[string]float64
	vectors map[string][]source.Sample
	err     error
	delay   time.Duration
	calls   []string
}

func (f *fakeMetrics) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeMetrics) Instant(ctx context.Context, expr string) (map[string]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, expr)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.values[expr], nil
}

func (f *fakeMetrics) Vector(ctx context.Context, expr string) ([]source.Sample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, expr)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[expr], nil
}

func (f *fakeMetrics) URL() string { return "http://prometheus:9090" }

type fakeAlerts struct {
	alerts []report.Alert
	err    error
}

func (f *fakeAlerts) FiringAlerts(ctx context.Context) ([]report.Alert, error) {
	return f.alerts, f.err
}

func (f *fakeAlerts) URL() string { return "http://prometheus:9090" }

type fakeProfiles struct {
	mu          sync.Mutex
	services    []string
	servicesErr error
	graphs      map[string]profile.Flamebearer
	renderErr   error
	delay       time.Duration
	rendered    []string
}

func (f *fakeProfiles) Services(ctx context.Context) ([]string, error) {
	return f.services, f.servicesErr
}

func (f *fakeProfiles) Render(ctx context.Context, typeID, svc, window string) (profile.Flamebearer, error) {
	key := svc + "/" + typeID
	f.mu.Lock()
	f.rendered = append(f.rendered, key)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return profile.Flamebearer{}, ctx.Err()
		}
	}
	if f.renderErr != nil {
		return profile.Flamebearer{}, f.renderErr
	}
	fb, ok := f.graphs[key]
	if !ok {
		return profile.Flamebearer{Names: []string{"total"}, Levels: [][]int64{{0, 0, 0, 0}}}, nil
	}
	return fb, nil
}

func (f *fakeProfiles) URL() string { return "http://pyroscope:4040" }

type fakeDiscoverer struct {
	services []string
}

func (f fakeDiscoverer) Services(ctx context.Context) ([]string, error) {
	return f.services, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueries() Queries {
	return Queries{
		CPU: "cpu", HeapUsed: "heap_used", HeapMax: "heap_max", GC: "gc", Threads: "threads",
		ReqRate: "req", ErrRate: "err", LatencySum: "lat_sum", LatencyCount: "lat_count", Routes: "routes",
	}
}

func testTypes() map[profile.Type]string {
	return map[profile.Type]string{
		profile.TypeCPU:    "cpu-id",
		profile.TypeMemory: "mem-id",
		profile.TypeMutex:  "mutex-id",
	}
}

func hotGraph(name string, self int64) profile.Flamebearer {
	return profile.Flamebearer{
		Names:    []string{"total", name, "idle"},
		Levels:   [][]int64{{0, 100, 0, 0}, {0, self, self, 1, self, 100 - self, 100 - self, 2}},
		NumTicks: 100,
	}
}

func sourceState(in report.Inputs) map[string]bool {
	out := map[string]bool{}
	for _, s := range in.Sources {
		out[s.Name] = s.Reachable
	}
	return out
}

func TestCollectAllSources(t *testing.T) {
	metrics := &fakeMetrics{
		values: map[string]map[string]float64{
			"cpu":       {"order-service:9404": 0.85},
			"lat_sum":   {"order-service:8080": 3.4},
			"lat_count": {"order-service:8080": 10},
		},
		vectors: map[string][]source.Sample{
			"routes": {{Labels: map[string]string{"instance": "order-service:8080", "route": "/api/orders"}, Value: 0.34}},
		},
	}
	alerts := &fakeAlerts{alerts: []report.Alert{{Name: "HighCPU", Severity: "critical", Instance: "order-service:9404"}}}
	profiles := &fakeProfiles{
		services: []string{"bank-order-service"},
		graphs: map[string]profile.Flamebearer{
			"bank-order-service/cpu-id": hotGraph("OrderHandler.validate", 45),
		},
	}

	c := NewCollector(metrics, alerts, profiles, service.NewNormalizer(nil), Options{
		Queries:      testQueries(),
		ProfileTypes: testTypes(),
		Concurrency:  3,
	}, discardLogger())

	in, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := map[string]bool{report.SourceMetrics: true, report.SourceProfiling: true, report.SourceAlerts: true}
	if diff := cmp.Diff(want, sourceState(in)); diff != "" {
		t.Fatalf("source state mismatch (-want +got):\n%s", diff)
	}
	if in.CPU["order-service:9404"] != 0.85 {
		t.Fatalf("cpu not collected: %v", in.CPU)
	}
	if len(in.Routes) != 1 || in.Routes[0].Route != "/api/orders" || in.Routes[0].Instance != "order-service:8080" {
		t.Fatalf("routes=%+v", in.Routes)
	}
	if len(in.Alerts) != 1 {
		t.Fatalf("alerts=%+v", in.Alerts)
	}
	cpu := in.Profiles["bank-order-service"][profile.TypeCPU]
	if len(cpu) != 2 || cpu[0].FunctionName != "idle" || cpu[1].PctOfTotal != 45 {
		t.Fatalf("cpu profile=%+v", cpu)
	}
	if in.CollectedAt.IsZero() {
		t.Fatal("collected at not set")
	}

	rep := report.NewBuilder(service.NewNormalizer(nil), nil, nil).Build(in, "")
	if len(rep.Bottlenecks) != 1 || rep.Bottlenecks[0].Verdict != report.VerdictCPUBound {
		t.Fatalf("bottlenecks=%+v", rep.Bottlenecks)
	}
}

func TestCollectMetricsDownProfilingUp(t *testing.T) {
	metrics := &fakeMetrics{err: fmt.Errorf("%w: connection refused", source.ErrUnavailable)}
	alerts := &fakeAlerts{err: fmt.Errorf("%w: connection refused", source.ErrUnavailable)}
	profiles := &fakeProfiles{
		services: []string{"bank-fraud-service"},
		graphs: map[string]profile.Flamebearer{
			"bank-fraud-service/cpu-id": hotGraph("FraudScorer.score", 60),
		},
	}

	c := NewCollector(metrics, alerts, profiles, service.NewNormalizer(nil), Options{
		Queries:      testQueries(),
		ProfileTypes: testTypes(),
	}, discardLogger())

	in, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect should degrade, got %v", err)
	}
	want := map[string]bool{report.SourceMetrics: false, report.SourceProfiling: true, report.SourceAlerts: false}
	if diff := cmp.Diff(want, sourceState(in)); diff != "" {
		t.Fatalf("source state mismatch (-want +got):\n%s", diff)
	}
	if in.CPU != nil || in.Routes != nil {
		t.Fatalf("failed queries should leave nil inputs: cpu=%v routes=%v", in.CPU, in.Routes)
	}
	if _, ok := in.Profiles["bank-fraud-service"]; !ok {
		t.Fatalf("profiles missing: %+v", in.Profiles)
	}
	for _, s := range in.Sources {
		if !s.Reachable && s.Error == "" {
			t.Fatalf("unreachable source without error: %+v", s)
		}
	}
}

func TestCollectSectionsLimitQueries(t *testing.T) {
	metrics := &fakeMetrics{}
	profiles := &fakeProfiles{}
	alerts := &fakeAlerts{}
	sections, err := report.ParseSections("alerts")
	if err != nil {
		t.Fatalf("ParseSections: %v", err)
	}

	c := NewCollector(metrics, alerts, profiles, service.NewNormalizer(nil), Options{
		Queries:      testQueries(),
		ProfileTypes: testTypes(),
		Sections:     sections,
	}, discardLogger())

	in, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(metrics.calls) != 0 || len(profiles.rendered) != 0 {
		t.Fatalf("unexpected queries: metrics=%v profiles=%v", metrics.calls, profiles.rendered)
	}
	if diff := cmp.Diff(map[string]bool{report.SourceAlerts: true}, sourceState(in)); diff != "" {
		t.Fatalf("source state mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectExplicitService(t *testing.T) {
	profiles := &fakeProfiles{services: []string{"bank-order-service", "bank-loan-service"}}
	sections, _ := report.ParseSections("profiles")

	c := NewCollector(nil, nil, profiles, service.NewNormalizer(nil), Options{
		ProfileTypes: testTypes(),
		Service:      "bank-payment-service",
		Window:       "15m",
		Sections:     sections,
	}, discardLogger())

	in, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(profiles.rendered) != 3 {
		t.Fatalf("expected one render per profile type, got %v", profiles.rendered)
	}
	for _, key := range profiles.rendered {
		if key[:len("bank-payment-service")] != "bank-payment-service" {
			t.Fatalf("rendered unexpected service: %s", key)
		}
	}
	if len(in.Profiles) != 1 {
		t.Fatalf("profiles=%v", in.Profiles)
	}
}

func TestCollectRendersDoNotWaitForMetrics(t *testing.T) {
	const delay = 300 * time.Millisecond

	tests := []struct {
		name    string
		service string
	}{
		{name: "explicit service", service: "bank-payment-service"},
		{name: "discovered services"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &fakeMetrics{delay: delay, values: map[string]map[string]float64{
				"cpu": {"payment-service:9404": 0.4},
			}}
			profiles := &fakeProfiles{delay: delay, services: []string{"bank-payment-service"}}
			c := NewCollector(metrics, nil, profiles, service.NewNormalizer(nil), Options{
				Queries:      testQueries(),
				ProfileTypes: testTypes(),
				Service:      tt.service,
			}, discardLogger())

			start := time.Now()
			in, err := c.Collect(context.Background())
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if elapsed >= 2*delay-50*time.Millisecond {
				t.Fatalf("metrics and renders ran serially: elapsed %s", elapsed)
			}
			if in.CPU["payment-service:9404"] != 0.4 {
				t.Fatalf("cpu not collected: %v", in.CPU)
			}
			if len(in.Profiles["bank-payment-service"]) != 3 {
				t.Fatalf("profiles=%v", in.Profiles)
			}
		})
	}
}

func TestCollectDiscoveryFallbacks(t *testing.T) {
	t.Run("kubernetes", func(t *testing.T) {
		profiles := &fakeProfiles{servicesErr: fmt.Errorf("%w: timeout", source.ErrUnavailable)}
		sections, _ := report.ParseSections("profiles")
		c := NewCollector(nil, nil, profiles, service.NewNormalizer(nil), Options{
			ProfileTypes: map[profile.Type]string{profile.TypeCPU: "cpu-id"},
			Sections:     sections,
		}, discardLogger()).WithDiscoverer(fakeDiscoverer{services: []string{"loan-service", "order-service"}})

		in, err := c.Collect(context.Background())
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		want := []string{"bank-loan-service/cpu-id", "bank-order-service/cpu-id"}
		got := append([]string{}, profiles.rendered...)
		sort.Strings(got)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rendered mismatch (-want +got):\n%s", diff)
		}
		if !sourceState(in)[report.SourceProfiling] {
			t.Fatal("profiling should be reachable once renders succeed")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		metrics := &fakeMetrics{values: map[string]map[string]float64{
			"cpu": {"account-service:9404": 0.1, "unknown": 0.2},
		}}
		profiles := &fakeProfiles{}
		c := NewCollector(metrics, nil, profiles, service.NewNormalizer(nil), Options{
			Queries:      testQueries(),
			ProfileTypes: map[profile.Type]string{profile.TypeMutex: "mutex-id"},
		}, discardLogger())

		if _, err := c.Collect(context.Background()); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if diff := cmp.Diff([]string{"bank-account-service/mutex-id"}, profiles.rendered); diff != "" {
			t.Fatalf("rendered mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCollectAllRendersFail(t *testing.T) {
	profiles := &fakeProfiles{renderErr: fmt.Errorf("%w: bad json", source.ErrMalformed)}
	sections, _ := report.ParseSections("profiles")
	c := NewCollector(nil, nil, profiles, service.NewNormalizer(nil), Options{
		ProfileTypes: testTypes(),
		Service:      "bank-order-service",
		Sections:     sections,
	}, discardLogger())

	in, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if sourceState(in)[report.SourceProfiling] {
		t.Fatal("profiling should be unreachable when every render fails")
	}
	if len(in.Profiles) != 0 {
		t.Fatalf("profiles=%v", in.Profiles)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector(&fakeMetrics{err: context.Canceled}, nil, nil, service.NewNormalizer(nil), Options{Queries: testQueries()}, discardLogger())
	if _, err := c.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
