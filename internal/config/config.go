// Package config loads the retraining pipeline spec: one immutable YAML
// document validated once at startup and passed explicitly to each component.
// Any violation is a configuration error; the process must not start with a
// partially applied spec.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/gate"
	"github.com/readmit-labs/readmit-go/internal/validate"
)

const PipelineSchemaV1 = "readmit.pipeline.v1"

type Pipeline struct {
	Schema    string   `yaml:"schema"`
	ModelName string   `yaml:"model_name"`
	Dataset   Dataset  `yaml:"dataset"`
	Gate      Gate     `yaml:"gate"`
	Training  Training `yaml:"training"`
}

type Dataset struct {
	Path            string   `yaml:"path"`
	RequiredColumns []string `yaml:"required_columns"`
	MinRows         int64    `yaml:"min_rows"`
	MaxNullFraction float64  `yaml:"max_null_fraction"`
	NullTokens      []string `yaml:"null_tokens"`
	LabelColumn     string   `yaml:"label_column"`
	PositiveLabel   string   `yaml:"positive_label"`
}

type Gate struct {
	ROCAUCThreshold float64  `yaml:"roc_auc_threshold"`
	PRAUCThreshold  *float64 `yaml:"pr_auc_threshold"`
	SpecPath        string   `yaml:"spec_path"`
}

type Training struct {
	WorkerEndpoint           string         `yaml:"worker_endpoint"`
	TimeoutSeconds           int            `yaml:"timeout_seconds"`
	EvaluationTimeoutSeconds int            `yaml:"evaluation_timeout_seconds"`
	HoldoutFraction          float64        `yaml:"holdout_fraction"`
	Seed                     int64          `yaml:"seed"`
	Hyperparams              map[string]any `yaml:"hyperparams"`
}

func defaultPipeline() Pipeline {
	return Pipeline{
		Schema:    PipelineSchemaV1,
		ModelName: "hospital_readmission",
		Dataset: Dataset{
			Path:            "data/diabetic_data.csv",
			RequiredColumns: []string{"readmitted", "age", "gender", "race"},
			MinRows:         1000,
			MaxNullFraction: 0.2,
			NullTokens:      []string{"", "?", "NULL", "Not Available"},
			LabelColumn:     "readmitted",
			PositiveLabel:   "<30",
		},
		Gate: Gate{
			ROCAUCThreshold: 0.7,
		},
		Training: Training{
			TimeoutSeconds:           1800,
			EvaluationTimeoutSeconds: 300,
			HoldoutFraction:          0.2,
			Seed:                     42,
			Hyperparams: map[string]any{
				"n_estimators":     400,
				"max_depth":        5,
				"learning_rate":    0.05,
				"subsample":        0.9,
				"colsample_bytree": 0.9,
			},
		},
	}
}

// Load reads the pipeline spec from path, or returns the documented defaults
// when path is empty.
func Load(path string) (Pipeline, error) {
	cfg := defaultPipeline()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Pipeline{}, domain.NewConfigurationError("read pipeline spec: %v", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Pipeline{}, domain.NewConfigurationError("decode pipeline spec: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Pipeline{}, err
	}
	return cfg, nil
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Schema) != PipelineSchemaV1 {
		return domain.NewConfigurationError("pipeline.schema must be %q", PipelineSchemaV1)
	}
	if strings.TrimSpace(p.ModelName) == "" {
		return domain.NewConfigurationError("pipeline.model_name is required")
	}
	if strings.TrimSpace(p.Dataset.Path) == "" {
		return domain.NewConfigurationError("pipeline.dataset.path is required")
	}
	if err := p.ValidationRules().Validate(); err != nil {
		return domain.NewConfigurationError("pipeline.dataset: %v", err)
	}
	if strings.TrimSpace(p.Dataset.LabelColumn) == "" {
		return domain.NewConfigurationError("pipeline.dataset.label_column is required")
	}
	if strings.TrimSpace(p.Dataset.PositiveLabel) == "" {
		return domain.NewConfigurationError("pipeline.dataset.positive_label is required")
	}
	if p.Gate.ROCAUCThreshold <= 0 || p.Gate.ROCAUCThreshold >= 1 {
		return domain.NewConfigurationError("pipeline.gate.roc_auc_threshold must be within (0, 1)")
	}
	if p.Gate.PRAUCThreshold != nil && (*p.Gate.PRAUCThreshold <= 0 || *p.Gate.PRAUCThreshold >= 1) {
		return domain.NewConfigurationError("pipeline.gate.pr_auc_threshold must be within (0, 1)")
	}
	if p.Training.TimeoutSeconds < 1 {
		return domain.NewConfigurationError("pipeline.training.timeout_seconds must be >= 1")
	}
	if p.Training.EvaluationTimeoutSeconds < 1 {
		return domain.NewConfigurationError("pipeline.training.evaluation_timeout_seconds must be >= 1")
	}
	if p.Training.HoldoutFraction <= 0 || p.Training.HoldoutFraction >= 1 {
		return domain.NewConfigurationError("pipeline.training.holdout_fraction must be within (0, 1)")
	}
	return nil
}

// ValidationRules projects the dataset contract for the validator.
func (p Pipeline) ValidationRules() validate.Rules {
	return validate.Rules{
		RequiredColumns: p.Dataset.RequiredColumns,
		MinRows:         p.Dataset.MinRows,
		MaxNullFraction: p.Dataset.MaxNullFraction,
	}
}

// GateSpec resolves the quality gate: an explicit spec document when
// configured, the documented default (roc_auc above threshold, strict)
// otherwise.
func (p Pipeline) GateSpec() (gate.Spec, error) {
	if strings.TrimSpace(p.Gate.SpecPath) != "" {
		raw, err := os.ReadFile(p.Gate.SpecPath)
		if err != nil {
			return gate.Spec{}, domain.NewConfigurationError("read gate spec: %v", err)
		}
		spec, err := gate.ParseSpec(raw)
		if err != nil {
			return gate.Spec{}, domain.NewConfigurationError("gate spec: %v", err)
		}
		return spec, nil
	}
	return gate.DefaultSpec(p.Gate.ROCAUCThreshold, p.Gate.PRAUCThreshold), nil
}

func (p Pipeline) TrainingTimeout() time.Duration {
	return time.Duration(p.Training.TimeoutSeconds) * time.Second
}

func (p Pipeline) EvaluationTimeout() time.Duration {
	return time.Duration(p.Training.EvaluationTimeoutSeconds) * time.Second
}

func (p Pipeline) String() string {
	return fmt.Sprintf("pipeline{model=%s dataset=%s gate>%.2f}", p.ModelName, p.Dataset.Path, p.Gate.ROCAUCThreshold)
}
