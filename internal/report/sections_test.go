package report

import (
	"errors"
	"testing"
)

func TestParseSections(t *testing.T) {
	tests := []struct {
		raw  string
		want []Section
	}{
		{raw: "", want: AllSections},
		{raw: "all", want: AllSections},
		{raw: "health", want: []Section{SectionHealth}},
		{raw: " HTTP , alerts ", want: []Section{SectionHTTP, SectionAlerts}},
		{raw: "profiles,all", want: AllSections},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSections(tt.raw)
			if err != nil {
				t.Fatalf("ParseSections(%q): %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseSections(%q)=%v want %v", tt.raw, got, tt.want)
			}
			for _, s := range tt.want {
				if !got.Has(s) {
					t.Fatalf("ParseSections(%q) missing %s", tt.raw, s)
				}
			}
		})
	}
}

func TestParseSectionsRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"flames", "health,cpu", ","} {
		if _, err := ParseSections(raw); !errors.Is(err, ErrUnknownSection) {
			t.Fatalf("ParseSections(%q) err=%v want ErrUnknownSection", raw, err)
		}
	}
}

func TestNilSectionSetSelectsAll(t *testing.T) {
	var set SectionSet
	for _, s := range AllSections {
		if !set.Has(s) {
			t.Fatalf("nil set should select %s", s)
		}
	}
}

func TestZeroDenominators(t *testing.T) {
	if got := HeapPct(512, 0); got != 0 {
		t.Fatalf("HeapPct with zero max=%v", got)
	}
	if got := HeapPct(512, -1); got != 0 {
		t.Fatalf("HeapPct with negative max=%v", got)
	}
	if got := AvgLatencyMs(1.5, 0); got != 0 {
		t.Fatalf("AvgLatencyMs with zero count=%v", got)
	}
	if got := AvgLatencyMs(1.5, 3); got != 500 {
		t.Fatalf("AvgLatencyMs=%v want 500", got)
	}
}
