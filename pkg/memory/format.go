package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatMemories renders stored records as the "## Memories" block of a
// system prompt. No records yields an empty string.
func FormatMemories(records []Record) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n## Memories\n\nYou have noted the following memorable events from previous interactions with the user.\n<memories>\n")
	for _, rec := range records {
		b.WriteString("• Memory:\n")
		keys := make([]string, 0, len(rec.Value))
		for k, v := range rec.Value {
			if IsEmptyValue(v) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) == 0 {
			b.WriteString("  No details available\n")
		}
		for _, k := range keys {
			fmt.Fprintf(&b, "  - %s: %s\n", readableKey(k), formatValue(rec.Value[k]))
		}
		if !rec.UpdatedAt.IsZero() {
			fmt.Fprintf(&b, "  Last updated: %s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}
	b.WriteString("</memories>\n")
	return b.String()
}

func readableKey(k string) string {
	parts := strings.Fields(strings.ReplaceAll(k, "_", " "))
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	if list, ok := toList(v); ok {
		items := make([]string, 0, len(list))
		for _, item := range list {
			items = append(items, fmt.Sprint(item))
		}
		return strings.Join(items, ", ")
	}
	return fmt.Sprint(v)
}
