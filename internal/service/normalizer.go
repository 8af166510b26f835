package service

import "strings"

// DefaultAliases maps the short container names used by operators to the
// application names the profiler registers.
func DefaultAliases() map[string]string {
	return map[string]string{
		"api-gateway":          "bank-api-gateway",
		"order-service":        "bank-order-service",
		"payment-service":      "bank-payment-service",
		"fraud-service":        "bank-fraud-service",
		"account-service":      "bank-account-service",
		"loan-service":         "bank-loan-service",
		"notification-service": "bank-notification-service",
		"stream-service":       "bank-stream-service",
	}
}

// Normalizer resolves aliases and metrics instance strings to canonical service ids.
type Normalizer struct {
	toCanonical map[string]string
	toAlias     map[string]string
}

// NewNormalizer builds a normalizer from the default alias table plus any overrides.
func NewNormalizer(extra map[string]string) *Normalizer {
	n := &Normalizer{
		toCanonical: map[string]string{},
		toAlias:     map[string]string{},
	}
	for alias, canonical := range DefaultAliases() {
		n.add(alias, canonical)
	}
	for alias, canonical := range extra {
		n.add(alias, canonical)
	}
	// Several aliases may share a canonical id; the lexically smallest one wins.
	for alias, canonical := range n.toCanonical {
		if existing, ok := n.toAlias[canonical]; !ok || alias < existing {
			n.toAlias[canonical] = alias
		}
	}
	return n
}

func (n *Normalizer) add(alias, canonical string) {
	alias = strings.TrimSpace(alias)
	canonical = strings.TrimSpace(canonical)
	if alias == "" || canonical == "" {
		return
	}
	n.toCanonical[alias] = canonical
}

// Canonical strips any port or instance suffix and maps aliases to their
// canonical name. Unknown names pass through unchanged.
func (n *Normalizer) Canonical(raw string) string {
	name := strings.TrimSpace(raw)
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}
	if n == nil {
		return name
	}
	if canonical, ok := n.toCanonical[name]; ok {
		return canonical
	}
	return name
}

// Alias returns the short alias for a canonical id, or the id itself when no alias is known.
func (n *Normalizer) Alias(canonical string) string {
	if n == nil {
		return canonical
	}
	if alias, ok := n.toAlias[canonical]; ok {
		return alias
	}
	return canonical
}
