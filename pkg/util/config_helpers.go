package util

import "strings"

// ParseCommaSeparatedList parses a comma-separated string into a slice of
// trimmed, non-empty items
func ParseCommaSeparatedList(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}

// StringSet builds a membership set from a list of strings
func StringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
