package report

import (
	"errors"
	"fmt"
	"strings"
)

// Section selects one area of the report.
type Section string

const (
	SectionHealth      Section = "health"
	SectionHTTP        Section = "http"
	SectionProfiles    Section = "profiles"
	SectionBottlenecks Section = "bottlenecks"
	SectionAlerts      Section = "alerts"
)

// AllSections lists every section in output order.
var AllSections = []Section{SectionHealth, SectionHTTP, SectionProfiles, SectionBottlenecks, SectionAlerts}

// ErrUnknownSection is returned for section names outside AllSections.
var ErrUnknownSection = errors.New("unknown section")

// SectionSet is the set of sections to render.
type SectionSet map[Section]bool

// ParseSections accepts "all", a single section, or a comma-separated list.
func ParseSections(raw string) (SectionSet, error) {
	set := SectionSet{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "all"
	}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, s := range AllSections {
				set[s] = true
			}
			continue
		}
		if !knownSection(Section(name)) {
			return nil, fmt.Errorf("%w %q (valid: all, %s)", ErrUnknownSection, name, joinSections(AllSections))
		}
		set[Section(name)] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrUnknownSection)
	}
	return set, nil
}

// Has reports whether the section is selected. A nil set selects everything.
func (s SectionSet) Has(section Section) bool {
	if s == nil {
		return true
	}
	return s[section]
}

func knownSection(s Section) bool {
	for _, known := range AllSections {
		if s == known {
			return true
		}
	}
	return false
}

func joinSections(sections []Section) string {
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
