package exporter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"profdiag/internal/profile"
	"profdiag/internal/report"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func sampleReport() report.DiagnosticReport {
	return report.DiagnosticReport{
		Timestamp: time.Unix(1714564800, 0).UTC(),
		Sources: []report.SourceStatus{
			{Name: report.SourceMetrics, Reachable: true},
			{Name: report.SourceProfiling, Reachable: false},
		},
		Health: []report.ServiceHealth{
			{ServiceID: "bank-order-service", Status: report.StatusCritical},
			{ServiceID: "bank-loan-service", Status: report.StatusOK},
		},
		Profiles: []report.ServiceProfile{{
			ServiceID: "bank-order-service",
			CPU:       []profile.HotFunction{{FunctionName: "OrderHandler.validate", SelfValue: 45, PctOfTotal: 45}},
		}},
		Bottlenecks: []report.BottleneckVerdict{{ServiceID: "bank-order-service", Verdict: report.VerdictCPUBound}},
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(sampleReport())

	expected := `
# HELP profdiag_source_up Whether the data source answered during the last run (1) or not (0).
# TYPE profdiag_source_up gauge
profdiag_source_up{source="metrics"} 1
profdiag_source_up{source="profiling"} 0
# HELP profdiag_service_status Health status per service: 0 OK, 1 WARNING, 2 CRITICAL.
# TYPE profdiag_service_status gauge
profdiag_service_status{service="bank-loan-service"} 0
profdiag_service_status{service="bank-order-service"} 2
# HELP profdiag_bottleneck Set to 1 for the bottleneck verdict of each service.
# TYPE profdiag_bottleneck gauge
profdiag_bottleneck{service="bank-order-service",verdict="CPU_BOUND"} 1
# HELP profdiag_hot_function_pct Share of total profile ticks spent in a function's own frames.
# TYPE profdiag_hot_function_pct gauge
profdiag_hot_function_pct{function="OrderHandler.validate",profile="cpu",service="bank-order-service"} 45
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"profdiag_source_up", "profdiag_service_status", "profdiag_bottleneck", "profdiag_hot_function_pct"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profdiag.prom")
	if err := WriteTextfile(path, sampleReport()); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`profdiag_source_up{source="profiling"} 0`,
		`profdiag_report_timestamp_seconds 1.7145648e+09`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestWriteTextfileBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "profdiag.prom")
	if err := WriteTextfile(path, sampleReport()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
