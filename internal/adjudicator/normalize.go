package adjudicator

import "sort"

// implication encodes "field=value implies other=forced".
type implication struct {
	field  string
	value  bool
	other  string
	forced bool
}

// implications is the contradictory-pair normalization table. Applied in
// order, repeatedly, until a fixpoint is reached, so the result is
// independent of the order updates arrive in and normalization is
// idempotent.
var implications = []implication{
	{"designApproved", true, "designNeedsChanges", false},
	{"designNeedsChanges", true, "designApproved", false},

	{"allTasksComplete", true, "taskPassed", true},
	{"allTasksComplete", true, "taskFailed", false},
	{"allTasksComplete", true, "hasMoreTasks", false},
	{"taskPassed", true, "taskFailed", false},
	{"taskFailed", true, "taskPassed", false},
	{"taskFailed", true, "allTasksComplete", false},

	{"reviewClean", true, "reviewNeedsChanges", false},
	{"reviewNeedsChanges", true, "reviewClean", false},

	{"preCheckPassed", true, "preCheckFailed", false},
	{"preCheckFailed", true, "preCheckPassed", false},

	{"missingWork", true, "implementationComplete", false},
	{"implementationComplete", true, "missingWork", false},

	// Clearing either push/commit failure flag clears the other: a
	// successful commit+push cycle resets the pair together.
	{"commitFailed", false, "pushFailed", false},
	{"pushFailed", false, "commitFailed", false},
}

const maxNormalizePasses = 8

// NormalizeStatusUpdates applies the contradictory-pair table to updates and
// returns a new map. Keys the caller did not set are only introduced when an
// implication forces them (e.g. allTasksComplete=true introduces
// taskPassed=true).
func NormalizeStatusUpdates(updates map[string]bool) map[string]bool {
	out := make(map[string]bool, len(updates))
	for k, v := range updates {
		out[k] = v
	}

	for pass := 0; pass < maxNormalizePasses; pass++ {
		changed := false
		for _, imp := range implications {
			v, ok := out[imp.field]
			if !ok || v != imp.value {
				continue
			}
			if cur, ok := out[imp.other]; !ok || cur != imp.forced {
				out[imp.other] = imp.forced
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

// sortedFields returns the keys of updates in a stable order for audit and
// log output.
func sortedFields(updates map[string]bool) []string {
	fields := make([]string, 0, len(updates))
	for f := range updates {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
