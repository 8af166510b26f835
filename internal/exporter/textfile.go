package exporter

import (
	"fmt"

	"profdiag/internal/profile"
	"profdiag/internal/report"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "profdiag"

// NewRegistry exposes a report as gauges on a fresh registry.
func NewRegistry(rep report.DiagnosticReport) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	sourceUp := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "source_up",
		Help:      "Whether the data source answered during the last run (1) or not (0).",
	}, []string{"source"})
	serviceStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_status",
		Help:      "Health status per service: 0 OK, 1 WARNING, 2 CRITICAL.",
	}, []string{"service"})
	bottleneck := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bottleneck",
		Help:      "Set to 1 for the bottleneck verdict of each service.",
	}, []string{"service", "verdict"})
	hotFunction := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hot_function_pct",
		Help:      "Share of total profile ticks spent in a function's own frames.",
	}, []string{"service", "profile", "function"})
	generated := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "report_timestamp_seconds",
		Help:      "Unix time the report was collected.",
	})

	reg.MustRegister(sourceUp, serviceStatus, bottleneck, hotFunction, generated)

	for _, s := range rep.Sources {
		up := 0.0
		if s.Reachable {
			up = 1
		}
		sourceUp.WithLabelValues(s.Name).Set(up)
	}
	for _, h := range rep.Health {
		serviceStatus.WithLabelValues(h.ServiceID).Set(statusValue(h.Status))
	}
	for _, v := range rep.Bottlenecks {
		bottleneck.WithLabelValues(v.ServiceID, string(v.Verdict)).Set(1)
	}
	for _, p := range rep.Profiles {
		for _, t := range profile.Types {
			for _, fn := range p.Functions(t) {
				hotFunction.WithLabelValues(p.ServiceID, string(t), fn.FunctionName).Set(fn.PctOfTotal)
			}
		}
	}
	if !rep.Timestamp.IsZero() {
		generated.Set(float64(rep.Timestamp.Unix()))
	}
	return reg
}

// WriteTextfile writes the report in the node_exporter textfile format.
// The file is replaced atomically.
func WriteTextfile(path string, rep report.DiagnosticReport) error {
	if err := prometheus.WriteToTextfile(path, NewRegistry(rep)); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func statusValue(s report.Status) float64 {
	switch s {
	case report.StatusCritical:
		return 2
	case report.StatusWarning:
		return 1
	default:
		return 0
	}
}
