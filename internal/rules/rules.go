// Package rules evaluates automation rules against metric sets. Persistence
// and cooldown bookkeeping stay with the caller; everything here is pure.
package rules

import (
	"fmt"
	"time"

	"vigil/internal/domain"
)

// Firing is a rule whose condition held for a subject's metrics.
type Firing struct {
	Rule      domain.AutomationRule
	SubjectID string
	Metric    string
	Observed  float64
	Reason    string
}

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// Compare applies a rule operator. Unknown operators never match.
func Compare(operator string, observed, threshold float64) bool {
	switch operator {
	case ">":
		return observed > threshold
	case ">=":
		return observed >= threshold
	case "<":
		return observed < threshold
	case "<=":
		return observed <= threshold
	case "==":
		return observed == threshold
	case "!=":
		return observed != threshold
	}
	return false
}

// ValidOperator reports whether the operator is one Compare understands.
func ValidOperator(operator string) bool {
	switch operator {
	case ">", ">=", "<", "<=", "==", "!=":
		return true
	}
	return false
}

// Evaluate runs every enabled rule against the subject's metrics. Rules whose
// metric is absent from the set are skipped, not treated as zero.
func Evaluate(ruleset []domain.AutomationRule, subjectID string, metrics map[string]float64) []Firing {
	var firings []Firing
	for _, rule := range ruleset {
		if !rule.Enabled {
			continue
		}
		observed, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		if !Compare(rule.Operator, observed, rule.Value) {
			continue
		}
		firings = append(firings, Firing{
			Rule:      rule,
			SubjectID: subjectID,
			Metric:    rule.Metric,
			Observed:  observed,
			Reason:    fmt.Sprintf("rule %q: %s %s %.4g (observed %.4g)", rule.Name, rule.Metric, rule.Operator, rule.Value, observed),
		})
	}
	return firings
}

// CooldownActive reports whether a prior firing still suppresses this rule
// for the subject. lastTriggered empty means it never fired.
func CooldownActive(lastTriggered string, cooldownHours int, now time.Time) bool {
	if lastTriggered == "" || cooldownHours <= 0 {
		return false
	}
	last, err := time.Parse(time.RFC3339, lastTriggered)
	if err != nil {
		return false
	}
	return now.Before(last.Add(time.Duration(cooldownHours) * time.Hour))
}

// ResolveConflicts keeps one firing per (subject, metric), preferring the
// highest severity. Order among survivors follows first appearance.
func ResolveConflicts(firings []Firing) []Firing {
	type key struct{ subject, metric string }
	best := map[key]int{}
	var order []key
	for i, f := range firings {
		k := key{f.SubjectID, f.Metric}
		prev, seen := best[k]
		if !seen {
			best[k] = i
			order = append(order, k)
			continue
		}
		if severityRank[f.Rule.Severity] > severityRank[firings[prev].Rule.Severity] {
			best[k] = i
		}
	}
	res := make([]Firing, 0, len(order))
	for _, k := range order {
		res = append(res, firings[best[k]])
	}
	return res
}
