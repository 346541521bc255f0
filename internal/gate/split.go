package gate

import (
	"fmt"
	"sort"
	"strings"

	"steward/internal/state"
)

// SuggestSplits proposes sub-issues for an oversized task. Grouping
// strategies are tried in order: trigger-type, CRUD operation,
// architectural-layer, then an even N-way split of the criteria.
func SuggestSplits(task *state.Task) []SplitSuggestion {
	title := task.Title
	criteria := criteriaLines(task.Body)
	if len(criteria) == 0 {
		return nil
	}

	for _, strategy := range []struct {
		name   string
		groups map[string][]string
	}{
		{"trigger-type", groupBy(criteria, triggerGroups)},
		{"crud-operation", groupBy(criteria, crudGroups)},
		{"architectural-layer", groupBy(criteria, layerGroups)},
	} {
		if viable(strategy.groups, len(criteria)) {
			return suggestionsFromGroups(title, strategy.name, strategy.groups)
		}
	}
	return nWaySplit(title, criteria, 3)
}

var triggerGroups = map[string][]string{
	"on-create":   {"when created", "on creation", "on create", "on new"},
	"on-update":   {"when updated", "on update", "on change", "when changed"},
	"on-delete":   {"when deleted", "on delete", "on removal", "when removed"},
	"on-schedule": {"periodically", "on schedule", "every ", "daily", "hourly"},
	"on-error":    {"on error", "on failure", "when fails", "if fails"},
}

var crudGroups = map[string][]string{
	"create": {"create", "add", "insert", "register", "new "},
	"read":   {"read", "get", "list", "fetch", "query", "view", "show"},
	"update": {"update", "edit", "modify", "change", "rename", "set "},
	"delete": {"delete", "remove", "drop", "clear", "purge"},
}

var layerGroups = map[string][]string{
	"api":     {"endpoint", "api", "handler", "route", "request", "response"},
	"logic":   {"validate", "compute", "calculate", "business", "rule", "logic"},
	"storage": {"database", "store", "persist", "save", "table", "schema", "index"},
	"ui":      {"display", "render", "ui", "screen", "page", "form"},
}

// groupBy buckets criteria by keyword match; unmatched lines go to "other".
func groupBy(criteria []string, keywords map[string][]string) map[string][]string {
	groups := map[string][]string{}
	for _, c := range criteria {
		lower := strings.ToLower(c)
		placed := false
		for name, words := range keywords {
			for _, w := range words {
				if strings.Contains(lower, w) {
					groups[name] = append(groups[name], c)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			groups["other"] = append(groups["other"], c)
		}
	}
	return groups
}

// viable requires at least two real groups covering most criteria, so a
// strategy that dumps everything into "other" is rejected.
func viable(groups map[string][]string, total int) bool {
	named := 0
	covered := 0
	for name, members := range groups {
		if name == "other" {
			continue
		}
		named++
		covered += len(members)
	}
	return named >= 2 && covered*2 > total
}

func suggestionsFromGroups(title, strategy string, groups map[string][]string) []SplitSuggestion {
	var out []SplitSuggestion
	for _, name := range sortedKeys(groups) {
		members := groups[name]
		if len(members) == 0 {
			continue
		}
		out = append(out, SplitSuggestion{
			Title:     fmt.Sprintf("%s: %s", title, name),
			Criteria:  members,
			Rationale: fmt.Sprintf("grouped by %s", strategy),
		})
	}
	return out
}

// nWaySplit chunks criteria into n roughly even sub-issues.
func nWaySplit(title string, criteria []string, n int) []SplitSuggestion {
	if n > len(criteria) {
		n = len(criteria)
	}
	if n < 2 {
		n = 2
	}
	size := (len(criteria) + n - 1) / n
	var out []SplitSuggestion
	for i := 0; i < len(criteria); i += size {
		end := i + size
		if end > len(criteria) {
			end = len(criteria)
		}
		out = append(out, SplitSuggestion{
			Title:     fmt.Sprintf("%s (part %d)", title, len(out)+1),
			Criteria:  criteria[i:end],
			Rationale: "even split of acceptance criteria",
		})
	}
	return out
}

// sortedKeys returns group names in deterministic order with "other" last.
func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "other" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := m["other"]; ok {
		keys = append(keys, "other")
	}
	return keys
}
