package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"profdiag/internal/report"
	"profdiag/internal/source"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure so callers can map it to a usage error.
var ErrInvalid = errors.New("invalid configuration")

// Config captures the runtime settings for one profdiag invocation.
type Config struct {
	LogLevel    string            `yaml:"logLevel"`
	Concurrency int               `yaml:"concurrency"`
	Sources     SourcesConfig     `yaml:"sources"`
	Profiles    ProfilesConfig    `yaml:"profiles"`
	Queries     QueriesConfig     `yaml:"queries"`
	Thresholds  ThresholdsConfig  `yaml:"thresholds"`
	Bottleneck  BottleneckConfig  `yaml:"bottleneck"`
	Aliases     map[string]string `yaml:"aliases"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
}

// SourcesConfig locates the metrics, alert and profiling backends.
type SourcesConfig struct {
	PrometheusURL string `yaml:"prometheusUrl"`
	// AlertsURL defaults to PrometheusURL.
	AlertsURL      string `yaml:"alertsUrl"`
	PyroscopeURL   string `yaml:"pyroscopeUrl"`
	ServiceLabel   string `yaml:"serviceLabel"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// ProfilesConfig controls flame graph queries.
type ProfilesConfig struct {
	Window string `yaml:"window"`
	TopN   int    `yaml:"topN"`
	CPU    string `yaml:"cpuTypeId"`
	Memory string `yaml:"memoryTypeId"`
	Mutex  string `yaml:"mutexTypeId"`
}

// QueriesConfig holds the PromQL expressions. Every health and HTTP query must
// aggregate by instance; Routes must keep both instance and route labels.
// HeapDelta may reference $window, replaced by the bottleneck trend window.
type QueriesConfig struct {
	CPU          string `yaml:"cpu"`
	HeapUsed     string `yaml:"heapUsed"`
	HeapMax      string `yaml:"heapMax"`
	GC           string `yaml:"gc"`
	Threads      string `yaml:"threads"`
	HeapDelta    string `yaml:"heapDelta"`
	ReqRate      string `yaml:"reqRate"`
	ErrRate      string `yaml:"errRate"`
	LatencySum   string `yaml:"latencySum"`
	LatencyCount string `yaml:"latencyCount"`
	Routes       string `yaml:"routes"`
}

// ThresholdPair is a warning/critical level.
type ThresholdPair struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ThresholdsConfig holds the health classification levels.
type ThresholdsConfig struct {
	CPU            ThresholdPair `yaml:"cpu"`
	Heap           ThresholdPair `yaml:"heap"`
	GC             ThresholdPair `yaml:"gc"`
	Threads        ThresholdPair `yaml:"threads"`
	IncludeThreads bool          `yaml:"includeThreads"`
}

// BottleneckConfig holds the decision table tunables. Materiality values are percentages.
type BottleneckConfig struct {
	CPUMateriality    float64 `yaml:"cpuMaterialityPct"`
	MemoryMateriality float64 `yaml:"memoryMaterialityPct"`
	MutexMateriality  float64 `yaml:"mutexMaterialityPct"`
	LockCPUCeiling    float64 `yaml:"lockCpuCeiling"`
	LatencySLOMs      float64 `yaml:"latencySloMs"`
	TrendMode         string  `yaml:"trendMode"`
	TrendWindow       string  `yaml:"trendWindow"`
}

// DiscoveryConfig configures optional service discovery backends.
type DiscoveryConfig struct {
	Kubernetes KubernetesDiscovery `yaml:"kubernetes"`
}

// KubernetesDiscovery lists services from pod labels.
type KubernetesDiscovery struct {
	Enabled       bool   `yaml:"enabled"`
	Kubeconfig    string `yaml:"kubeconfig"`
	Namespace     string `yaml:"namespace"`
	LabelSelector string `yaml:"labelSelector"`
	ServiceLabel  string `yaml:"serviceLabel"`
}

// DefaultConfig returns defaults matching a local demo stack.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "warn",
		Concurrency: 8,
		Sources: SourcesConfig{
			PrometheusURL:  "http://localhost:9090",
			PyroscopeURL:   "http://localhost:4040",
			ServiceLabel:   source.DefaultServiceLabel,
			TimeoutSeconds: int(source.DefaultTimeout / time.Second),
		},
		Profiles: ProfilesConfig{
			Window: "1h",
			TopN:   5,
			CPU:    "process_cpu:cpu:nanoseconds:cpu:nanoseconds",
			Memory: "memory:alloc_in_new_tlab_bytes:bytes:space:bytes",
			Mutex:  "mutex:contentions:count:mutex:count",
		},
		Queries: QueriesConfig{
			CPU:          `sum by (instance) (rate(process_cpu_seconds_total[1m]))`,
			HeapUsed:     `sum by (instance) (jvm_memory_used_bytes{area="heap"})`,
			HeapMax:      `sum by (instance) (jvm_memory_max_bytes{area="heap"} > 0)`,
			GC:           `sum by (instance) (rate(jvm_gc_pause_seconds_sum[1m]))`,
			Threads:      `sum by (instance) (jvm_threads_live_threads)`,
			HeapDelta:    `sum by (instance) (jvm_memory_used_bytes{area="heap"}) - sum by (instance) (jvm_memory_used_bytes{area="heap"} offset $window)`,
			ReqRate:      `sum by (instance) (rate(vertx_http_server_requests_total[1m]))`,
			ErrRate:      `sum by (instance) (rate(vertx_http_server_requests_total{code=~"5.."}[1m]))`,
			LatencySum:   `sum by (instance) (rate(vertx_http_server_response_time_seconds_sum[1m]))`,
			LatencyCount: `sum by (instance) (rate(vertx_http_server_response_time_seconds_count[1m]))`,
			Routes:       `topk(10, sum by (instance, route) (rate(vertx_http_server_response_time_seconds_sum[5m])) / sum by (instance, route) (rate(vertx_http_server_response_time_seconds_count[5m])))`,
		},
		Thresholds: ThresholdsConfig{
			CPU:     ThresholdPair{Warning: 0.50, Critical: 0.80},
			Heap:    ThresholdPair{Warning: 0.70, Critical: 0.85},
			GC:      ThresholdPair{Warning: 0.03, Critical: 0.10},
			Threads: ThresholdPair{Warning: 50, Critical: 100},
		},
		Bottleneck: BottleneckConfig{
			CPUMateriality:    20,
			MemoryMateriality: 20,
			MutexMateriality:  10,
			LatencySLOMs:      200,
			TrendMode:         string(report.TrendSnapshot),
			TrendWindow:       "15m",
		},
		Discovery: DiscoveryConfig{
			Kubernetes: KubernetesDiscovery{
				ServiceLabel: "app",
			},
		},
	}
}

// Timeout returns the per-call timeout.
func (c Config) Timeout() time.Duration {
	if c.Sources.TimeoutSeconds <= 0 {
		return source.DefaultTimeout
	}
	return time.Duration(c.Sources.TimeoutSeconds) * time.Second
}

// AlertsURL returns the alert source, falling back to the metrics source.
func (c Config) AlertsURL() string {
	if c.Sources.AlertsURL != "" {
		return c.Sources.AlertsURL
	}
	return c.Sources.PrometheusURL
}

// HealthConfig converts the thresholds for the report package.
func (c Config) HealthConfig() report.HealthConfig {
	t := c.Thresholds
	return report.HealthConfig{
		CPU:            report.Thresholds(t.CPU),
		Heap:           report.Thresholds(t.Heap),
		GC:             report.Thresholds(t.GC),
		Threads:        report.Thresholds(t.Threads),
		IncludeThreads: t.IncludeThreads,
	}
}

// BottleneckConfig converts the decision table settings for the report package.
func (c Config) BottleneckConfig() report.BottleneckConfig {
	b := c.Bottleneck
	return report.BottleneckConfig{
		CPUWarning:        c.Thresholds.CPU.Warning,
		GCWarning:         c.Thresholds.GC.Warning,
		HeapWarning:       c.Thresholds.Heap.Warning,
		CPUMateriality:    b.CPUMateriality,
		MemoryMateriality: b.MemoryMateriality,
		MutexMateriality:  b.MutexMateriality,
		LockCPUCeiling:    b.LockCPUCeiling,
		LatencySLOMs:      b.LatencySLOMs,
		TrendMode:         report.TrendMode(b.TrendMode),
	}
}

// HeapDeltaQuery expands the trend window into the heap delta expression.
func (c Config) HeapDeltaQuery() string {
	return strings.ReplaceAll(c.Queries.HeapDelta, "$window", c.Bottleneck.TrendWindow)
}

// RegisterFlags adds the configuration flags to fs with defaults shown from DefaultConfig.
func RegisterFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("config", "", "Path to YAML config file")
	fs.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("prometheus-url", def.Sources.PrometheusURL, "Prometheus base URL")
	fs.String("alerts-url", "", "Prometheus base URL for alerts (defaults to --prometheus-url)")
	fs.String("pyroscope-url", def.Sources.PyroscopeURL, "Pyroscope base URL")
	fs.Int("timeout", def.Sources.TimeoutSeconds, "Per-request timeout in seconds")
	fs.Int("top", def.Profiles.TopN, "Hot functions kept per profile type")
	fs.String("window", def.Profiles.Window, "Profile time window (e.g. 15m, 1h, 1d)")
	fs.Int("concurrency", def.Concurrency, "Maximum concurrent source requests")
	fs.String("trend-mode", def.Bottleneck.TrendMode, "Heap trend handling for memory pressure (snapshot, trend)")
	fs.Bool("include-threads", def.Thresholds.IncludeThreads, "Let thread count escalate health status")
	fs.Bool("kube-discovery", def.Discovery.Kubernetes.Enabled, "Discover services from Kubernetes pod labels")
	fs.String("kubeconfig", "", "Path to kubeconfig for discovery (optional)")
}

// Load builds the configuration by merging defaults, file, environment, and flags explicitly set on fs.
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()

	configFile := envOrDefault("PROFDIAG_CONFIG_FILE", "")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			configFile = f.Value.String()
		}
	}
	if configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if fs != nil {
		if err := applyFlags(fs, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var windowPattern = regexp.MustCompile(`^[1-9][0-9]*[smhdw]$`)

// Validate rejects settings that would make a report meaningless.
func (c Config) Validate() error {
	for name, raw := range map[string]string{
		"prometheus url": c.Sources.PrometheusURL,
		"alerts url":     c.AlertsURL(),
		"pyroscope url":  c.Sources.PyroscopeURL,
	} {
		if err := source.ValidateBaseURL(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if c.Sources.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if c.Profiles.TopN < 1 || c.Profiles.TopN > 100 {
		return fmt.Errorf("%w: top must be between 1 and 100, got %d", ErrInvalid, c.Profiles.TopN)
	}
	if !windowPattern.MatchString(c.Profiles.Window) {
		return fmt.Errorf("%w: window %q must look like 30m, 1h or 1d", ErrInvalid, c.Profiles.Window)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalid)
	}
	switch report.TrendMode(c.Bottleneck.TrendMode) {
	case report.TrendSnapshot:
	case report.TrendRising:
		if !windowPattern.MatchString(c.Bottleneck.TrendWindow) {
			return fmt.Errorf("%w: trend window %q must look like 15m or 1h", ErrInvalid, c.Bottleneck.TrendWindow)
		}
	default:
		return fmt.Errorf("%w: trend mode %q (valid: snapshot, trend)", ErrInvalid, c.Bottleneck.TrendMode)
	}
	for name, pair := range map[string]ThresholdPair{
		"cpu":     c.Thresholds.CPU,
		"heap":    c.Thresholds.Heap,
		"gc":      c.Thresholds.GC,
		"threads": c.Thresholds.Threads,
	} {
		if pair.Warning < 0 || pair.Critical < 0 {
			return fmt.Errorf("%w: %s thresholds must be non-negative", ErrInvalid, name)
		}
		if pair.Critical > 0 && pair.Warning > pair.Critical {
			return fmt.Errorf("%w: %s warning %.3g above critical %.3g", ErrInvalid, name, pair.Warning, pair.Critical)
		}
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path provided by the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	type fileConfig Config
	var fileCfg fileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("%w: parse config file: %v", ErrInvalid, err)
	}

	mergeConfigs(cfg, Config(fileCfg))
	return nil
}

func mergeConfigs(base *Config, override Config) {
	setString(&base.LogLevel, override.LogLevel)
	setInt(&base.Concurrency, override.Concurrency)

	setString(&base.Sources.PrometheusURL, override.Sources.PrometheusURL)
	setString(&base.Sources.AlertsURL, override.Sources.AlertsURL)
	setString(&base.Sources.PyroscopeURL, override.Sources.PyroscopeURL)
	setString(&base.Sources.ServiceLabel, override.Sources.ServiceLabel)
	setInt(&base.Sources.TimeoutSeconds, override.Sources.TimeoutSeconds)

	setString(&base.Profiles.Window, override.Profiles.Window)
	setInt(&base.Profiles.TopN, override.Profiles.TopN)
	setString(&base.Profiles.CPU, override.Profiles.CPU)
	setString(&base.Profiles.Memory, override.Profiles.Memory)
	setString(&base.Profiles.Mutex, override.Profiles.Mutex)

	q, oq := &base.Queries, override.Queries
	setString(&q.CPU, oq.CPU)
	setString(&q.HeapUsed, oq.HeapUsed)
	setString(&q.HeapMax, oq.HeapMax)
	setString(&q.GC, oq.GC)
	setString(&q.Threads, oq.Threads)
	setString(&q.HeapDelta, oq.HeapDelta)
	setString(&q.ReqRate, oq.ReqRate)
	setString(&q.ErrRate, oq.ErrRate)
	setString(&q.LatencySum, oq.LatencySum)
	setString(&q.LatencyCount, oq.LatencyCount)
	setString(&q.Routes, oq.Routes)

	mergePair(&base.Thresholds.CPU, override.Thresholds.CPU)
	mergePair(&base.Thresholds.Heap, override.Thresholds.Heap)
	mergePair(&base.Thresholds.GC, override.Thresholds.GC)
	mergePair(&base.Thresholds.Threads, override.Thresholds.Threads)
	if override.Thresholds.IncludeThreads {
		base.Thresholds.IncludeThreads = true
	}

	b, ob := &base.Bottleneck, override.Bottleneck
	setFloat(&b.CPUMateriality, ob.CPUMateriality)
	setFloat(&b.MemoryMateriality, ob.MemoryMateriality)
	setFloat(&b.MutexMateriality, ob.MutexMateriality)
	setFloat(&b.LockCPUCeiling, ob.LockCPUCeiling)
	setFloat(&b.LatencySLOMs, ob.LatencySLOMs)
	setString(&b.TrendMode, ob.TrendMode)
	setString(&b.TrendWindow, ob.TrendWindow)

	if override.Aliases != nil {
		if base.Aliases == nil {
			base.Aliases = map[string]string{}
		}
		for k, v := range override.Aliases {
			base.Aliases[k] = v
		}
	}

	kd, od := &base.Discovery.Kubernetes, override.Discovery.Kubernetes
	if od.Enabled {
		kd.Enabled = true
	}
	setString(&kd.Kubeconfig, od.Kubeconfig)
	setString(&kd.Namespace, od.Namespace)
	setString(&kd.LabelSelector, od.LabelSelector)
	setString(&kd.ServiceLabel, od.ServiceLabel)
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PROFDIAG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROFDIAG_PROMETHEUS_URL"); v != "" {
		cfg.Sources.PrometheusURL = v
	}
	if v := os.Getenv("PROFDIAG_ALERTS_URL"); v != "" {
		cfg.Sources.AlertsURL = v
	}
	if v := os.Getenv("PROFDIAG_PYROSCOPE_URL"); v != "" {
		cfg.Sources.PyroscopeURL = v
	}
	if v := os.Getenv("PROFDIAG_TIMEOUT"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.Sources.TimeoutSeconds = iv
		}
	}
	if v := os.Getenv("PROFDIAG_WINDOW"); v != "" {
		cfg.Profiles.Window = v
	}
	if v := os.Getenv("PROFDIAG_TOP"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.Profiles.TopN = iv
		}
	}
	if v := os.Getenv("PROFDIAG_TREND_MODE"); v != "" {
		cfg.Bottleneck.TrendMode = v
	}
	if v := os.Getenv("PROFDIAG_INCLUDE_THREADS"); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			cfg.Thresholds.IncludeThreads = bv
		}
	}
	if v := os.Getenv("PROFDIAG_KUBE_DISCOVERY"); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			cfg.Discovery.Kubernetes.Enabled = bv
		}
	}
	if v := os.Getenv("PROFDIAG_KUBECONFIG"); v != "" {
		cfg.Discovery.Kubernetes.Kubeconfig = v
	}
	if v := os.Getenv("PROFDIAG_ALIASES"); v != "" {
		parsed, err := parseAliases(v)
		if err != nil {
			return fmt.Errorf("%w: PROFDIAG_ALIASES: %v", ErrInvalid, err)
		}
		if cfg.Aliases == nil {
			cfg.Aliases = map[string]string{}
		}
		for k, v := range parsed {
			cfg.Aliases[k] = v
		}
	}
	return nil
}

// applyFlags copies only flags the user set, so unset flags never mask file or env values.
func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		if firstErr != nil {
			return
		}
		var err error
		switch f.Name {
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "prometheus-url":
			cfg.Sources.PrometheusURL = f.Value.String()
		case "alerts-url":
			cfg.Sources.AlertsURL = f.Value.String()
		case "pyroscope-url":
			cfg.Sources.PyroscopeURL = f.Value.String()
		case "timeout":
			cfg.Sources.TimeoutSeconds, err = fs.GetInt(f.Name)
		case "top":
			cfg.Profiles.TopN, err = fs.GetInt(f.Name)
		case "window":
			cfg.Profiles.Window = f.Value.String()
		case "concurrency":
			cfg.Concurrency, err = fs.GetInt(f.Name)
		case "trend-mode":
			cfg.Bottleneck.TrendMode = f.Value.String()
		case "include-threads":
			cfg.Thresholds.IncludeThreads, err = fs.GetBool(f.Name)
		case "kube-discovery":
			cfg.Discovery.Kubernetes.Enabled, err = fs.GetBool(f.Name)
		case "kubeconfig":
			cfg.Discovery.Kubernetes.Kubeconfig = f.Value.String()
		}
		if err != nil {
			firstErr = fmt.Errorf("%w: flag --%s: %v", ErrInvalid, f.Name, err)
		}
	})
	return firstErr
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseAliases(raw string) (map[string]string, error) {
	var parsed map[string]string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func mergePair(dst *ThresholdPair, v ThresholdPair) {
	setFloat(&dst.Warning, v.Warning)
	setFloat(&dst.Critical, v.Critical)
}
