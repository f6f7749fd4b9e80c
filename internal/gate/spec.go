package gate

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "readmit.gate.v1"

const (
	MetricROCAUC = "roc_auc"
	MetricPRAUC  = "pr_auc"
)

// Spec is the quality-gate policy document: an AND list of metric checks.
// A candidate passes the gate only when every check passes.
type Spec struct {
	Schema string      `json:"schema" yaml:"schema"`
	Checks []CheckSpec `json:"checks" yaml:"checks"`
}

// CheckSpec requires a metric to be strictly greater than Min. A metric
// exactly at the bound fails; the bar must be cleared, not touched.
type CheckSpec struct {
	ID     string  `json:"id" yaml:"id"`
	Metric string  `json:"metric" yaml:"metric"`
	Min    float64 `json:"min" yaml:"min"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// DefaultSpec builds the gate used when no policy document is configured:
// roc_auc above the threshold, plus an optional pr_auc floor.
func DefaultSpec(rocAucThreshold float64, prAucThreshold *float64) Spec {
	spec := Spec{
		Schema: SpecSchemaV1,
		Checks: []CheckSpec{
			{ID: "roc_auc_min", Metric: MetricROCAUC, Min: rocAucThreshold},
		},
	}
	if prAucThreshold != nil {
		spec.Checks = append(spec.Checks, CheckSpec{ID: "pr_auc_min", Metric: MetricPRAUC, Min: *prAucThreshold})
	}
	return spec
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(s.Checks) == 0 {
		return errors.New("spec.checks must be non-empty")
	}

	seen := make(map[string]struct{}, len(s.Checks))
	for i, check := range s.Checks {
		id := strings.TrimSpace(check.ID)
		if id == "" {
			return fmt.Errorf("spec.checks[%d].id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("spec.checks[%d].id must be unique (duplicate %q)", i, id)
		}
		seen[id] = struct{}{}

		metric := strings.ToLower(strings.TrimSpace(check.Metric))
		if metric == "" {
			return fmt.Errorf("spec.checks[%d].metric is required", i)
		}
		switch metric {
		case MetricROCAUC, MetricPRAUC:
		default:
			return fmt.Errorf("spec.checks[%d].metric unsupported: %q", i, check.Metric)
		}

		if check.Min < 0 || check.Min >= 1 {
			return fmt.Errorf("spec.checks[%d].min must be within [0, 1)", i)
		}
	}
	return nil
}
