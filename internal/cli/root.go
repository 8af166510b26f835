package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"profdiag/internal/collector"
	"profdiag/internal/config"
	"profdiag/internal/exporter"
	"profdiag/internal/kube"
	"profdiag/internal/logging"
	"profdiag/internal/profile"
	"profdiag/internal/report"
	"profdiag/internal/service"
	"profdiag/internal/source"
	"profdiag/internal/version"

	"github.com/spf13/cobra"
)

var (
	// ErrInvalidArgument marks usage errors: bad flags, sections, config values or URLs.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoSources is returned when every queried source was unreachable.
	ErrNoSources = errors.New("no reachable sources")
)

type runOptions struct {
	json        bool
	sections    string
	service     string
	output      string
	metricsFile string
	version     bool
}

// NewRootCommand builds the profdiag command. Report output goes to stdout, logs to stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "profdiag",
		Short: "Correlate JVM metrics, alerts and flame graphs into a bottleneck report",
		Long: "profdiag queries Prometheus for JVM and HTTP metrics and firing alerts, and Pyroscope for\n" +
			"CPU, allocation and lock profiles, then classifies each service's health and dominant bottleneck.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unexpected arguments %q", ErrInvalidArgument, args)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				_, err := fmt.Fprintf(stdout, "profdiag %s\n", version.Value())
				return err
			}
			return run(cmd, opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	})

	fs := cmd.Flags()
	config.RegisterFlags(fs)
	fs.BoolVar(&opts.json, "json", false, "Print the report as JSON")
	fs.StringVar(&opts.sections, "section", "all", "Sections to print: all or a comma-separated list of "+sectionNames())
	fs.StringVar(&opts.service, "service", "", "Restrict the report to one service (canonical name or alias)")
	fs.StringVarP(&opts.output, "output", "o", "", "Write the report to a file instead of stdout")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "Also write the report as Prometheus textfile metrics")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")
	return cmd
}

func run(cmd *cobra.Command, opts *runOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	sections, err := report.ParseSections(opts.sections)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	logger := logging.New(stderr, cfg.LogLevel)
	names := service.NewNormalizer(cfg.Aliases)
	filter := ""
	if strings.TrimSpace(opts.service) != "" {
		filter = names.Canonical(opts.service)
		logger.Debug("filtering report", slog.String("service", filter), slog.String("alias", names.Alias(filter)))
	}

	metrics, err := source.NewPrometheusClient(cfg.Sources.PrometheusURL, cfg.Timeout())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	alerts := metrics
	if cfg.AlertsURL() != cfg.Sources.PrometheusURL {
		if alerts, err = source.NewPrometheusClient(cfg.AlertsURL(), cfg.Timeout()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	profiles, err := source.NewPyroscopeClient(cfg.Sources.PyroscopeURL, cfg.Sources.ServiceLabel, cfg.Timeout())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c := collector.NewCollector(metrics, alerts, profiles, names, collectorOptions(cfg, filter, sections), logger)
	if cfg.Discovery.Kubernetes.Enabled {
		if d := newDiscoverer(cfg, logger); d != nil {
			c.WithDiscoverer(d)
		}
	}

	logger.Debug("collecting",
		slog.String("version", version.Value()),
		slog.String("prometheus", metrics.URL()),
		slog.String("pyroscope", profiles.URL()),
		slog.String("service", filter),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	inputs, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	builder := report.NewBuilder(names,
		report.NewHealthClassifier(cfg.HealthConfig()),
		report.NewBottleneckClassifier(cfg.BottleneckConfig()))
	rep := builder.Build(inputs, filter)

	if !rep.AnyReachable() {
		return noSourcesError(rep.Sources)
	}

	var out []byte
	if opts.json {
		if out, err = report.FormatJSON(rep, sections); err != nil {
			return err
		}
	} else {
		out = []byte(report.FormatText(rep, sections))
	}

	if opts.output != "" {
		if err := os.WriteFile(opts.output, out, 0o644); err != nil { // #nosec G306 -- report is not secret
			return fmt.Errorf("write report: %w", err)
		}
		logger.Info("report written", slog.String("path", opts.output))
	} else if _, err := stdout.Write(out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if opts.metricsFile != "" {
		if err := exporter.WriteTextfile(opts.metricsFile, rep); err != nil {
			return err
		}
		logger.Info("metrics written", slog.String("path", opts.metricsFile))
	}
	return nil
}

func collectorOptions(cfg config.Config, filter string, sections report.SectionSet) collector.Options {
	q := cfg.Queries
	queries := collector.Queries{
		CPU:          q.CPU,
		HeapUsed:     q.HeapUsed,
		HeapMax:      q.HeapMax,
		GC:           q.GC,
		Threads:      q.Threads,
		ReqRate:      q.ReqRate,
		ErrRate:      q.ErrRate,
		LatencySum:   q.LatencySum,
		LatencyCount: q.LatencyCount,
		Routes:       q.Routes,
	}
	if report.TrendMode(cfg.Bottleneck.TrendMode) == report.TrendRising {
		queries.HeapDelta = cfg.HeapDeltaQuery()
	}
	return collector.Options{
		Queries: queries,
		ProfileTypes: map[profile.Type]string{
			profile.TypeCPU:    cfg.Profiles.CPU,
			profile.TypeMemory: cfg.Profiles.Memory,
			profile.TypeMutex:  cfg.Profiles.Mutex,
		},
		Window:      cfg.Profiles.Window,
		TopN:        cfg.Profiles.TopN,
		Concurrency: cfg.Concurrency,
		Service:     filter,
		Sections:    sections,
	}
}

func newDiscoverer(cfg config.Config, logger *slog.Logger) *kube.Discoverer {
	k := cfg.Discovery.Kubernetes
	client, err := kube.NewClient(k.Kubeconfig)
	if err != nil {
		logger.Warn("kubernetes discovery disabled", slog.String("error", err.Error()))
		return nil
	}
	return kube.NewDiscoverer(client, kube.DiscoveryConfig{
		Namespace:     k.Namespace,
		LabelSelector: k.LabelSelector,
		ServiceLabel:  k.ServiceLabel,
		SyncTimeout:   cfg.Timeout(),
	})
}

func noSourcesError(sources []report.SourceStatus) error {
	parts := make([]string, 0, len(sources))
	for _, s := range sources {
		detail := fmt.Sprintf("%s (%s)", s.Name, s.URL)
		if s.Error != "" {
			detail += ": " + s.Error
		}
		parts = append(parts, detail)
	}
	return fmt.Errorf("%w: %s", ErrNoSources, strings.Join(parts, "; "))
}

func sectionNames() string {
	names := make([]string, len(report.AllSections))
	for i, s := range report.AllSections {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
