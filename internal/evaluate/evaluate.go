// Package evaluate turns readings into triggered conditions using the static
// threshold rules. Evaluation is a pure function of its inputs.
package evaluate

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

// DefaultHealthyStates applies to unit_state rules that list none.
var DefaultHealthyStates = []string{"active"}

// Result is the outcome of evaluating one cycle.
type Result struct {
	// Conditions fired this cycle, in rule order then subject order.
	Conditions []health.Condition `json:"conditions"`
	// Observed names what had fresh data this cycle: unit IDs for per-unit
	// rules and plain rule names for rules that cover all their subjects.
	// Anything not listed had no usable reading and must not be judged.
	Observed []string `json:"observed"`
	// Covered names subject-bearing rules whose reading listed every
	// subject it knows about. A subject of such a rule that did not fire
	// is healthy, even when the reading no longer mentions it.
	Covered []string `json:"covered"`
}

// Fired reports whether a condition with the given ID is in r.
func (r Result) Fired(id string) bool {
	for _, c := range r.Conditions {
		if c.ID() == id {
			return true
		}
	}
	return false
}

// Evaluator applies a fixed rule set.
type Evaluator struct {
	rules []config.Rule
}

// New returns an Evaluator for rules. The rules are copied.
func New(rules []config.Rule) *Evaluator {
	return &Evaluator{rules: slices.Clone(rules)}
}

// Rules returns a copy of the rule set.
func (e *Evaluator) Rules() []config.Rule {
	return slices.Clone(e.rules)
}

// Evaluate checks every rule against current (this cycle's readings, in
// probe order) and history (earlier readings, oldest first). A rule whose
// data is missing or came from a failed reading never fires.
func (e *Evaluator) Evaluate(current, history []health.Reading) Result {
	res := Result{Conditions: []health.Condition{}, Observed: []string{}, Covered: []string{}}
	for _, rule := range e.rules {
		var conds []health.Condition
		var observed []string
		covered := false
		switch rule.Kind {
		case config.KindMetric:
			conds, observed = evalMetric(rule, current)
		case config.KindWindow:
			conds, observed = evalWindow(rule, current, history)
		case config.KindTopSource:
			conds, observed, covered = evalTopSource(rule, current, history)
		case config.KindUnitState:
			conds, observed, covered = evalUnitState(rule, current)
		}
		res.Conditions = append(res.Conditions, conds...)
		res.Observed = append(res.Observed, observed...)
		if covered {
			res.Covered = append(res.Covered, rule.Name)
		}
	}
	return res
}

// Compare applies op to v and limit. Unknown operators never match.
func Compare(op string, v, limit float64) bool {
	switch op {
	case ">":
		return v > limit
	case ">=":
		return v >= limit
	case "<":
		return v < limit
	case "<=":
		return v <= limit
	case "==":
		return v == limit
	case "!=":
		return v != limit
	}
	return false
}

// sourceReading finds the current successful reading a rule reads from:
// the named probe when set, otherwise the first reading carrying metric.
func sourceReading(current []health.Reading, probe, metric string) (health.Reading, bool) {
	for _, r := range current {
		if probe != "" && r.Probe != probe {
			continue
		}
		if probe != "" {
			return r, r.Success
		}
		if _, ok := r.Metric(metric); ok {
			return r, true
		}
	}
	return health.Reading{}, false
}

// samples returns the last n readings of probe across history and the
// current reading, oldest first.
func samples(history []health.Reading, cur health.Reading, n int) []health.Reading {
	var out []health.Reading
	for _, r := range history {
		if r.Probe == cur.Probe && r.CycleID != cur.CycleID {
			out = append(out, r)
		}
	}
	out = append(out, cur)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func evalMetric(rule config.Rule, current []health.Reading) ([]health.Condition, []string) {
	r, ok := sourceReading(current, rule.Probe, rule.Metric)
	if !ok {
		return nil, nil
	}
	v, ok := r.Metric(rule.Metric)
	if !ok {
		return nil, nil
	}
	label := rule.Metric
	if rule.Per != "" {
		den, ok := r.Metric(rule.Per)
		if !ok || den == 0 {
			return nil, nil
		}
		v /= den
		label = rule.Metric + "/" + rule.Per
	}
	observed := []string{rule.Name}
	if !Compare(rule.Op, v, rule.Limit) {
		return nil, observed
	}
	return []health.Condition{{
		Name:   rule.Name,
		Value:  v,
		Limit:  rule.Limit,
		Detail: fmt.Sprintf("%s = %g %s %g", label, v, rule.Op, rule.Limit),
	}}, observed
}

func evalWindow(rule config.Rule, current, history []health.Reading) ([]health.Condition, []string) {
	cur, ok := sourceReading(current, rule.Probe, rule.Metric)
	if !ok {
		return nil, nil
	}
	if _, ok := cur.Metric(rule.Metric); !ok {
		return nil, nil
	}

	var values []float64
	for _, r := range samples(history, cur, rule.Window) {
		if v, ok := r.Metric(rule.Metric); ok {
			values = append(values, v)
		}
	}
	v := aggregate(rule.Aggregate, values)
	observed := []string{rule.Name}
	if !Compare(rule.Op, v, rule.Limit) {
		return nil, observed
	}
	return []health.Condition{{
		Name:  rule.Name,
		Value: v,
		Limit: rule.Limit,
		Detail: fmt.Sprintf("%s(%s) over %d samples = %g %s %g",
			rule.Aggregate, rule.Metric, len(values), v, rule.Op, rule.Limit),
	}}, observed
}

func aggregate(kind string, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch kind {
	case "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "max":
		return slices.Max(values)
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	}
}

// TopSource sums tallies across readings (oldest first) and returns the key
// with the highest total. Ties go to the key seen first: earliest reading,
// then its position within that reading's tallies.
func TopSource(readings []health.Reading) (health.Tally, bool) {
	index := make(map[string]int)
	var totals []health.Tally
	for _, r := range readings {
		if !r.Success {
			continue
		}
		for _, t := range r.Tallies {
			if i, ok := index[t.Key]; ok {
				totals[i].Count += t.Count
				continue
			}
			index[t.Key] = len(totals)
			totals = append(totals, t)
		}
	}
	if len(totals) == 0 {
		return health.Tally{}, false
	}
	top := totals[0]
	for _, t := range totals[1:] {
		if t.Count > top.Count {
			top = t
		}
	}
	return top, true
}

func evalTopSource(rule config.Rule, current, history []health.Reading) ([]health.Condition, []string, bool) {
	cur, ok := sourceReading(current, rule.Probe, "")
	if !ok {
		return nil, nil, false
	}
	window := samples(history, cur, rule.Window)
	observed := []string{rule.Name}
	top, ok := TopSource(window)
	if !ok || !Compare(rule.Op, float64(top.Count), rule.Limit) {
		return nil, observed, true
	}
	return []health.Condition{{
		Name:    rule.Name,
		Subject: top.Key,
		Value:   float64(top.Count),
		Limit:   rule.Limit,
		Detail: fmt.Sprintf("%s seen %d times in %d samples of %s (%s %g)",
			top.Key, top.Count, len(window), rule.Probe, rule.Op, rule.Limit),
	}}, observed, true
}

// evalUnitState judges every unit the reading lists. The reading is taken
// as complete, so it also covers units it no longer mentions.
func evalUnitState(rule config.Rule, current []health.Reading) ([]health.Condition, []string, bool) {
	cur, ok := sourceReading(current, rule.Probe, "")
	if !ok {
		return nil, nil, false
	}
	healthy := rule.HealthyStates
	if len(healthy) == 0 {
		healthy = DefaultHealthyStates
	}

	var units []string
	for key := range cur.Fields {
		if unit, ok := strings.CutPrefix(key, rule.FieldPrefix); ok && unit != "" {
			units = append(units, unit)
		}
	}
	sort.Strings(units)

	var conds []health.Condition
	observed := make([]string, 0, len(units))
	for _, unit := range units {
		observed = append(observed, health.UnitID(rule.Name, unit))
		state := cur.Fields[rule.FieldPrefix+unit]
		if slices.Contains(healthy, state) {
			continue
		}
		conds = append(conds, health.Condition{
			Name:    rule.Name,
			Subject: unit,
			Value:   1,
			Detail:  fmt.Sprintf("%s is %s, want %s", unit, state, strings.Join(healthy, "|")),
		})
	}
	return conds, observed, true
}
