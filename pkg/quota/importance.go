package quota

import (
	"fmt"
	"strings"
)

// Importance classifies a cache for eviction ordering. Critical caches are
// never evicted.
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

// String implements fmt.Stringer.
func (i Importance) String() string {
	switch i {
	case ImportanceCritical:
		return "critical"
	case ImportanceHigh:
		return "high"
	case ImportanceMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseImportance converts a config string into an Importance level.
func ParseImportance(s string) (Importance, error) {
	switch strings.ToLower(s) {
	case "critical":
		return ImportanceCritical, nil
	case "high":
		return ImportanceHigh, nil
	case "medium":
		return ImportanceMedium, nil
	case "low":
		return ImportanceLow, nil
	default:
		return ImportanceLow, fmt.Errorf("unknown importance level %q", s)
	}
}

// ImportanceRule assigns an importance level to cache names sharing a
// prefix. Cache names embed a version suffix, so rules match on the stable
// prefix rather than the full name.
type ImportanceRule struct {
	Prefix string
	Level  Importance
}

// ImportanceTable is an ordered list of rules. Rules are evaluated in
// declaration order; the first matching prefix wins, and unmapped names
// default to low.
type ImportanceTable []ImportanceRule

// Lookup returns the importance for a cache name.
func (t ImportanceTable) Lookup(name string) Importance {
	for _, rule := range t {
		if strings.HasPrefix(name, rule.Prefix) {
			return rule.Level
		}
	}
	return ImportanceLow
}
