// Package gate decides whether a candidate model's holdout metrics clear the
// configured quality bar. A rejection here is a business outcome, not an
// error: the model trained cleanly and simply was not good enough.
package gate

import (
	"fmt"
	"strings"
)

type Check struct {
	ID       string  `json:"id"`
	Metric   string  `json:"metric"`
	Observed float64 `json:"observed"`
	Min      float64 `json:"min"`
	Passed   bool    `json:"passed"`
}

type Decision struct {
	Passed  bool     `json:"passed"`
	Checks  []Check  `json:"checks"`
	Reasons []string `json:"reasons,omitempty"`
}

func (d Decision) Verdict() string {
	if d.Passed {
		return "pass"
	}
	return "fail"
}

// Decide evaluates every check against the observed metrics. Pure: the
// decision is derived from the spec and the metrics alone. A metric absent
// from the map fails its check rather than passing silently.
func (s Spec) Decide(metrics map[string]float64) Decision {
	decision := Decision{Passed: true, Checks: make([]Check, 0, len(s.Checks))}

	for _, spec := range s.Checks {
		metric := strings.ToLower(strings.TrimSpace(spec.Metric))
		check := Check{ID: spec.ID, Metric: metric, Min: spec.Min}

		observed, ok := metrics[metric]
		if !ok {
			decision.Passed = false
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: metric %q not observed", spec.ID, metric))
			decision.Checks = append(decision.Checks, check)
			continue
		}

		check.Observed = observed
		check.Passed = observed > spec.Min
		if !check.Passed {
			decision.Passed = false
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("%s: %s %.6f not above %.6f", spec.ID, metric, observed, spec.Min))
		}
		decision.Checks = append(decision.Checks, check)
	}

	return decision
}
