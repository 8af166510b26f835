package collector

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"profdiag/internal/profile"
	"profdiag/internal/report"
	"profdiag/internal/service"
	"profdiag/internal/source"

	"golang.org/x/sync/errgroup"
)

// MetricsSource answers instant PromQL queries.
type MetricsSource interface {
	Instant(ctx context.Context, expr string) (map[string]float64, error)
	Vector(ctx context.Context, expr string) ([]source.Sample, error)
	URL() string
}

// AlertSource lists firing alerts.
type AlertSource interface {
	FiringAlerts(ctx context.Context) ([]report.Alert, error)
	URL() string
}

// ProfileSource lists profiled services and renders their flame graphs.
type ProfileSource interface {
	Services(ctx context.Context) ([]string, error)
	Render(ctx context.Context, profileTypeID, service, window string) (profile.Flamebearer, error)
	URL() string
}

// ServiceDiscoverer is an optional fallback list of service names.
type ServiceDiscoverer interface {
	Services(ctx context.Context) ([]string, error)
}

// Queries holds the PromQL expressions. An empty HeapDelta skips the trend query.
type Queries struct {
	CPU          string
	HeapUsed     string
	HeapMax      string
	GC           string
	Threads      string
	HeapDelta    string
	ReqRate      string
	ErrRate      string
	LatencySum   string
	LatencyCount string
	Routes       string
}

// Options controls one collection run.
type Options struct {
	Queries      Queries
	ProfileTypes map[profile.Type]string
	Window       string
	TopN         int
	Concurrency  int
	// Service restricts profile rendering to one canonical service id.
	Service  string
	Sections report.SectionSet
}

// Collector polls every source concurrently and returns the raw report inputs.
type Collector struct {
	metrics    MetricsSource
	alerts     AlertSource
	profiles   ProfileSource
	discoverer ServiceDiscoverer
	names      *service.Normalizer
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewCollector returns a configured collector. Any source may be nil, in which case
// the sections it backs stay empty and it is left out of the source list.
func NewCollector(metrics MetricsSource, alerts AlertSource, profiles ProfileSource, names *service.Normalizer, opts Options, logger *slog.Logger) *Collector {
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	if opts.TopN < 1 {
		opts.TopN = profile.DefaultTopN
	}
	if opts.Window == "" {
		opts.Window = "1h"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		metrics:  metrics,
		alerts:   alerts,
		profiles: profiles,
		names:    names,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// WithDiscoverer adds a service discovery fallback used when the profiler cannot list services.
func (c *Collector) WithDiscoverer(d ServiceDiscoverer) *Collector {
	c.discoverer = d
	return c
}

type instantQuery struct {
	name string
	expr string
	dst  *map[string]float64
}

type outcome struct {
	attempted bool
	ok        bool
	err       error
}

func (o *outcome) record(err error) {
	o.attempted = true
	if err == nil {
		o.ok = true
		return
	}
	if o.err == nil {
		o.err = err
	}
}

// Collect runs one collection. Source failures degrade the affected inputs and are
// reported through Inputs.Sources; only context cancellation is returned as an error.
func (c *Collector) Collect(ctx context.Context) (report.Inputs, error) {
	in := report.Inputs{}
	sections := c.opts.Sections

	needHealth := sections.Has(report.SectionHealth) || sections.Has(report.SectionBottlenecks)
	needHTTP := sections.Has(report.SectionHTTP)
	needLatency := needHTTP || sections.Has(report.SectionBottlenecks)
	needProfiles := sections.Has(report.SectionProfiles) || sections.Has(report.SectionBottlenecks)
	needAlerts := sections.Has(report.SectionAlerts)

	q := c.opts.Queries
	var queries []instantQuery
	if needHealth {
		queries = append(queries,
			instantQuery{"cpu", q.CPU, &in.CPU},
			instantQuery{"heap_used", q.HeapUsed, &in.HeapUsed},
			instantQuery{"heap_max", q.HeapMax, &in.HeapMax},
			instantQuery{"gc", q.GC, &in.GC},
			instantQuery{"threads", q.Threads, &in.Threads},
		)
		if q.HeapDelta != "" {
			queries = append(queries, instantQuery{"heap_delta", q.HeapDelta, &in.HeapDelta})
		}
	}
	if needHTTP {
		queries = append(queries,
			instantQuery{"req_rate", q.ReqRate, &in.ReqRate},
			instantQuery{"err_rate", q.ErrRate, &in.ErrRate},
		)
	}
	if needLatency {
		queries = append(queries,
			instantQuery{"latency_sum", q.LatencySum, &in.LatencySum},
			instantQuery{"latency_count", q.LatencyCount, &in.LatencyCount},
		)
	}

	var (
		queryErrs = make([]error, len(queries))
		routesErr error
		routesRun bool
		alertsErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	if c.metrics != nil {
		for i, query := range queries {
			if query.expr == "" {
				continue
			}
			g.Go(func() error {
				values, err := c.metrics.Instant(gctx, query.expr)
				if err != nil {
					queryErrs[i] = err
					c.logger.Warn("metrics query failed", slog.String("query", query.name), slog.String("error", err.Error()))
					return nil
				}
				*query.dst = values
				return nil
			})
		}
		if needHTTP && q.Routes != "" {
			routesRun = true
			g.Go(func() error {
				samples, err := c.metrics.Vector(gctx, q.Routes)
				if err != nil {
					routesErr = err
					c.logger.Warn("metrics query failed", slog.String("query", "routes"), slog.String("error", err.Error()))
					return nil
				}
				in.Routes = routeSamples(samples)
				return nil
			})
		}
	}

	if needAlerts && c.alerts != nil {
		g.Go(func() error {
			alerts, err := c.alerts.FiringAlerts(gctx)
			if err != nil {
				alertsErr = err
				c.logger.Warn("alerts query failed", slog.String("error", err.Error()))
				return nil
			}
			in.Alerts = alerts
			return nil
		})
	}

	// Metrics and alerts drain in the background so profile discovery and
	// rendering never wait on them unless they need the metrics fallback.
	var metricsWaitErr error
	metricsDone := make(chan struct{})
	go func() {
		metricsWaitErr = g.Wait()
		close(metricsDone)
	}()

	var (
		profiles        map[string]map[profile.Type][]profile.HotFunction
		profilesOutcome outcome
		profilesErr     error
	)
	if needProfiles && c.profiles != nil {
		profiles, profilesOutcome, profilesErr = c.collectProfiles(ctx, metricsDone, &in)
	}

	<-metricsDone
	if profilesErr != nil {
		return report.Inputs{}, profilesErr
	}
	if metricsWaitErr != nil {
		return report.Inputs{}, metricsWaitErr
	}
	if err := ctx.Err(); err != nil {
		return report.Inputs{}, err
	}
	in.Profiles = profiles

	var metricsOutcome outcome
	if c.metrics != nil {
		for i, query := range queries {
			if query.expr != "" {
				metricsOutcome.record(queryErrs[i])
			}
		}
		if routesRun {
			metricsOutcome.record(routesErr)
		}
	}

	if metricsOutcome.attempted {
		in.Sources = append(in.Sources, status(report.SourceMetrics, c.metrics.URL(), metricsOutcome))
	}
	if profilesOutcome.attempted {
		in.Sources = append(in.Sources, status(report.SourceProfiling, c.profiles.URL(), profilesOutcome))
	}
	if needAlerts && c.alerts != nil {
		var alertsOutcome outcome
		alertsOutcome.record(alertsErr)
		in.Sources = append(in.Sources, status(report.SourceAlerts, c.alerts.URL(), alertsOutcome))
	}

	in.CollectedAt = c.now().UTC()
	return in, nil
}

// result folds an outcome into a single error: nil once anything succeeded.
func (o outcome) result() error {
	if o.ok {
		return nil
	}
	return o.err
}

// collectProfiles resolves the services to profile and renders them. Only the
// fallback to services seen in metrics waits for metricsDone.
func (c *Collector) collectProfiles(ctx context.Context, metricsDone <-chan struct{}, in *report.Inputs) (map[string]map[profile.Type][]profile.HotFunction, outcome, error) {
	var result outcome
	services := []string{c.opts.Service}
	if c.opts.Service == "" {
		discovered, err := c.discoverServices(ctx)
		result.record(err)
		services = discovered
		if len(services) == 0 {
			select {
			case <-metricsDone:
			case <-ctx.Done():
				return nil, outcome{}, ctx.Err()
			}
			services = c.servicesFromMetrics(*in)
			if len(services) > 0 {
				c.logger.Info("using services seen in metrics", slog.Int("count", len(services)))
			}
		}
	}

	profiles, renderOutcome, err := c.renderProfiles(ctx, services)
	if err != nil {
		return nil, outcome{}, err
	}
	if renderOutcome.attempted {
		result.record(renderOutcome.result())
	}
	return profiles, result, nil
}

// discoverServices asks the profiler first and falls back to the discoverer.
func (c *Collector) discoverServices(ctx context.Context) ([]string, error) {
	services, err := c.profiles.Services(ctx)
	if err != nil {
		c.logger.Warn("profiler service listing failed", slog.String("error", err.Error()))
	}
	if len(services) == 0 && c.discoverer != nil {
		discovered, derr := c.discoverer.Services(ctx)
		if derr != nil {
			c.logger.Warn("service discovery failed", slog.String("error", derr.Error()))
		} else {
			c.logger.Debug("discovered services from kubernetes", slog.Int("count", len(discovered)))
			services = discovered
		}
	}
	return c.canonicalSet(services), err
}

func (c *Collector) servicesFromMetrics(in report.Inputs) []string {
	var raw []string
	for _, m := range []map[string]float64{in.CPU, in.HeapUsed, in.ReqRate, in.LatencyCount} {
		for instance := range m {
			if instance == source.UnknownInstance {
				continue
			}
			raw = append(raw, instance)
		}
	}
	return c.canonicalSet(raw)
}

func (c *Collector) canonicalSet(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		id := c.names.Canonical(r)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type renderSlot struct {
	service string
	kind    profile.Type
	funcs   []profile.HotFunction
	err     error
}

func (c *Collector) renderProfiles(ctx context.Context, services []string) (map[string]map[profile.Type][]profile.HotFunction, outcome, error) {
	var slots []renderSlot
	for _, svc := range services {
		for _, kind := range profile.Types {
			if c.opts.ProfileTypes[kind] == "" {
				continue
			}
			slots = append(slots, renderSlot{service: svc, kind: kind})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := range slots {
		slot := &slots[i]
		g.Go(func() error {
			fb, err := c.profiles.Render(gctx, c.opts.ProfileTypes[slot.kind], slot.service, c.opts.Window)
			if err != nil {
				slot.err = err
				c.logger.Warn("profile render failed",
					slog.String("service", slot.service),
					slog.String("profile", string(slot.kind)),
					slog.String("error", err.Error()))
				return nil
			}
			slot.funcs = profile.TopFunctions(fb, c.opts.TopN)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, outcome{}, err
	}

	var result outcome
	out := map[string]map[profile.Type][]profile.HotFunction{}
	for _, slot := range slots {
		result.record(slot.err)
		if slot.err != nil {
			continue
		}
		byType, ok := out[slot.service]
		if !ok {
			byType = map[profile.Type][]profile.HotFunction{}
			out[slot.service] = byType
		}
		byType[slot.kind] = slot.funcs
	}
	return out, result, nil
}

func routeSamples(samples []source.Sample) []report.RouteSample {
	out := make([]report.RouteSample, 0, len(samples))
	for _, s := range samples {
		out = append(out, report.RouteSample{
			Instance: s.Labels["instance"],
			Route:    s.Labels["route"],
			Seconds:  s.Value,
		})
	}
	return out
}

func status(name, url string, o outcome) report.SourceStatus {
	s := report.SourceStatus{Name: name, URL: url, Reachable: o.ok}
	if !o.ok && o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}
