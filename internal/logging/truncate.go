package logging

import "strconv"

// MaxLogFieldLength caps free-form strings (API error bodies, chat
// messages) before they are attached to a log entry.
const MaxLogFieldLength = 256

// Truncate shortens s to MaxLogFieldLength bytes.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes, appending "..." when something was cut.
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and replaces the rest
// with a single "... and N more" marker.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, "... and "+strconv.Itoa(len(items)-maxItems)+" more")
}
