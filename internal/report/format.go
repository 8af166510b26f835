package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"profdiag/internal/profile"
)

type jsonView struct {
	Timestamp   time.Time            `json:"timestamp"`
	Sources     []SourceStatus       `json:"sources"`
	Health      *[]ServiceHealth     `json:"health,omitempty"`
	HTTP        *HTTPSection         `json:"http,omitempty"`
	Profiles    *[]ServiceProfile    `json:"profiles,omitempty"`
	Bottlenecks *[]BottleneckVerdict `json:"bottlenecks,omitempty"`
	Alerts      *[]Alert             `json:"alerts,omitempty"`
}

// FormatJSON renders the selected sections as indented JSON. A selected section
// with no data renders as an empty list.
func FormatJSON(rep DiagnosticReport, sections SectionSet) ([]byte, error) {
	view := jsonView{
		Timestamp: rep.Timestamp,
		Sources:   orEmpty(rep.Sources),
	}
	if sections.Has(SectionHealth) {
		health := orEmpty(rep.Health)
		view.Health = &health
	}
	if sections.Has(SectionHTTP) {
		view.HTTP = &HTTPSection{
			Services:         orEmpty(rep.HTTP.Services),
			SlowestEndpoints: orEmpty(rep.HTTP.SlowestEndpoints),
		}
	}
	if sections.Has(SectionProfiles) {
		profiles := make([]ServiceProfile, 0, len(rep.Profiles))
		for _, p := range rep.Profiles {
			p.CPU = orEmpty(p.CPU)
			p.Memory = orEmpty(p.Memory)
			p.Mutex = orEmpty(p.Mutex)
			profiles = append(profiles, p)
		}
		view.Profiles = &profiles
	}
	if sections.Has(SectionBottlenecks) {
		verdicts := orEmpty(rep.Bottlenecks)
		view.Bottlenecks = &verdicts
	}
	if sections.Has(SectionAlerts) {
		alerts := orEmpty(rep.Alerts)
		view.Alerts = &alerts
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(out, '\n'), nil
}

const ruleWidth = 78

// FormatText renders the selected sections as fixed-width text.
func FormatText(rep DiagnosticReport, sections SectionSet) string {
	var b strings.Builder

	fmt.Fprintf(&b, "profdiag report  %s\n", rep.Timestamp.Format(time.RFC3339))
	for _, s := range rep.Sources {
		state := "OK"
		if !s.Reachable {
			state = "UNREACHABLE"
		}
		fmt.Fprintf(&b, "  %-10s %-40s %s\n", s.Name, s.URL, state)
	}
	b.WriteString("\n")

	if sections.Has(SectionHealth) {
		heading(&b, "JVM Health")
		if body, ok := sectionState(rep, len(rep.Health), SourceMetrics); !ok {
			b.WriteString(body)
		} else {
			fmt.Fprintf(&b, "  %-28s %6s %7s %7s %8s %-9s %s\n", "SERVICE", "CPU", "HEAP", "GC", "THREADS", "STATUS", "ISSUES")
			rule(&b)
			for _, h := range rep.Health {
				fmt.Fprintf(&b, "  %-28s %5.0f%% %6.0f%% %7.3f %8d %-9s %s\n",
					h.ServiceID, h.CPURate*100, h.HeapPct*100, h.GCRate, h.ThreadCount, h.Status, strings.Join(h.Issues, ", "))
			}
		}
		b.WriteString("\n")
	}

	if sections.Has(SectionHTTP) {
		heading(&b, "HTTP Traffic")
		rows := len(rep.HTTP.Services) + len(rep.HTTP.SlowestEndpoints)
		if body, ok := sectionState(rep, rows, SourceMetrics); !ok {
			b.WriteString(body)
		} else {
			fmt.Fprintf(&b, "  %-34s %10s %10s %12s\n", "INSTANCE", "REQ/S", "ERR/S", "AVG MS")
			rule(&b)
			for _, t := range rep.HTTP.Services {
				fmt.Fprintf(&b, "  %-34s %10.2f %10.2f %12.1f\n", t.InstanceID, t.ReqPerSec, t.ErrPerSec, t.AvgLatencyMs)
			}
			if len(rep.HTTP.SlowestEndpoints) > 0 {
				b.WriteString("\n  Slowest endpoints\n")
				for _, e := range rep.HTTP.SlowestEndpoints {
					fmt.Fprintf(&b, "  %-48s %-24s %8.3fs\n", e.Route, e.ServiceID, e.AvgLatencySeconds)
				}
			}
		}
		b.WriteString("\n")
	}

	if sections.Has(SectionProfiles) {
		heading(&b, "Profiling Hotspots")
		if body, ok := sectionState(rep, len(rep.Profiles), SourceProfiling); !ok {
			b.WriteString(body)
		} else {
			for _, p := range rep.Profiles {
				fmt.Fprintf(&b, "  %s\n", p.ServiceID)
				for _, t := range profile.Types {
					funcs := p.Functions(t)
					if len(funcs) == 0 {
						fmt.Fprintf(&b, "    %-7s (no data)\n", t)
						continue
					}
					for i, fn := range funcs {
						label := ""
						if i == 0 {
							label = string(t)
						}
						fmt.Fprintf(&b, "    %-7s %6.1f%%  %s\n", label, fn.PctOfTotal, fn.FunctionName)
					}
				}
			}
		}
		b.WriteString("\n")
	}

	if sections.Has(SectionBottlenecks) {
		heading(&b, "Bottleneck Verdicts")
		if body, ok := sectionState(rep, len(rep.Bottlenecks), SourceMetrics, SourceProfiling); !ok {
			b.WriteString(body)
		} else {
			for _, v := range rep.Bottlenecks {
				fmt.Fprintf(&b, "  %-28s %-16s %s\n", v.ServiceID, v.Verdict, v.Reason)
			}
		}
		b.WriteString("\n")
	}

	if sections.Has(SectionAlerts) {
		heading(&b, "Firing Alerts")
		if body, ok := sectionState(rep, len(rep.Alerts), SourceAlerts); !ok {
			b.WriteString(body)
		} else {
			for _, a := range rep.Alerts {
				fmt.Fprintf(&b, "  [%s] %s on %s since %s\n", strings.ToUpper(a.Severity), a.Name, a.Instance, a.ActiveSince.Format(time.RFC3339))
				if a.Summary != "" {
					fmt.Fprintf(&b, "    %s\n", a.Summary)
				}
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

// sectionState returns the placeholder body for a section that cannot be printed.
// A section is unreachable only when every backing source was queried and failed.
func sectionState(rep DiagnosticReport, rows int, sources ...string) (string, bool) {
	down := 0
	for _, name := range sources {
		if s, known := rep.Source(name); known && !s.Reachable {
			down++
		}
	}
	if len(sources) > 0 && down == len(sources) {
		return "  UNREACHABLE\n", false
	}
	if rows == 0 {
		return "  (no data)\n", false
	}
	return "", true
}

func heading(b *strings.Builder, title string) {
	fmt.Fprintf(b, "── %s ──\n", title)
}

func rule(b *strings.Builder) {
	b.WriteString("  " + strings.Repeat("-", ruleWidth-2) + "\n")
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
