package domain

import "strings"

// taskIDPrefixes are the interchangeable spellings stripped during
// normalisation. At most one prefix is removed.
var taskIDPrefixes = []string{"task:", "task_", "task-"}

// NormalizeTaskID maps a task ID to its comparison form: trimmed,
// lowercased, with one leading task:/task_/task- prefix removed. Storage
// keeps the original spelling; lookups compare normalised forms.
func NormalizeTaskID(taskID string) string {
	normalized := strings.ToLower(strings.TrimSpace(taskID))
	if normalized == "" {
		return ""
	}
	for _, prefix := range taskIDPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return normalized[len(prefix):]
		}
	}
	return normalized
}
