package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ModelName != "hospital_readmission" {
		t.Fatalf("model name = %q", cfg.ModelName)
	}
	if cfg.Gate.ROCAUCThreshold != 0.7 {
		t.Fatalf("roc_auc threshold = %v, want 0.7", cfg.Gate.ROCAUCThreshold)
	}
	if cfg.Gate.PRAUCThreshold != nil {
		t.Fatal("pr_auc threshold must default to unset")
	}
	if cfg.Dataset.MinRows != 1000 {
		t.Fatalf("min rows = %d, want 1000", cfg.Dataset.MinRows)
	}
	if len(cfg.Dataset.RequiredColumns) != 4 {
		t.Fatalf("required columns = %v", cfg.Dataset.RequiredColumns)
	}
	if cfg.Training.TimeoutSeconds != 1800 {
		t.Fatalf("training timeout = %d, want 1800", cfg.Training.TimeoutSeconds)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	doc := []byte(`schema: readmit.pipeline.v1
model_name: hospital_readmission
dataset:
  path: /srv/data/diabetic_data.csv
  min_rows: 5000
gate:
  roc_auc_threshold: 0.72
  pr_auc_threshold: 0.4
training:
  worker_endpoint: http://trainer:9090/fit
  timeout_seconds: 600
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dataset.Path != "/srv/data/diabetic_data.csv" {
		t.Fatalf("dataset path = %q", cfg.Dataset.Path)
	}
	if cfg.Dataset.MinRows != 5000 {
		t.Fatalf("min rows = %d, want 5000", cfg.Dataset.MinRows)
	}
	if cfg.Gate.ROCAUCThreshold != 0.72 {
		t.Fatalf("roc_auc threshold = %v", cfg.Gate.ROCAUCThreshold)
	}
	if cfg.Gate.PRAUCThreshold == nil || *cfg.Gate.PRAUCThreshold != 0.4 {
		t.Fatalf("pr_auc threshold = %v", cfg.Gate.PRAUCThreshold)
	}
	if cfg.Training.WorkerEndpoint != "http://trainer:9090/fit" {
		t.Fatalf("worker endpoint = %q", cfg.Training.WorkerEndpoint)
	}
	// Unset fields keep their defaults.
	if cfg.Dataset.LabelColumn != "readmitted" {
		t.Fatalf("label column = %q", cfg.Dataset.LabelColumn)
	}
}

func TestLoadRejectsBadSpec(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		doc  string
	}{
		{"wrong schema", "schema: readmit.pipeline.v2\n"},
		{"threshold too high", "schema: readmit.pipeline.v1\ngate:\n  roc_auc_threshold: 1.0\n"},
		{"zero min rows", "schema: readmit.pipeline.v1\ndataset:\n  min_rows: 0\n"},
		{"bad holdout", "schema: readmit.pipeline.v1\ntraining:\n  holdout_fraction: 1.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
				t.Fatalf("write spec: %v", err)
			}
			_, err := Load(path)
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/pipeline.yaml")
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGateSpecDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec, err := cfg.GateSpec()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.Checks) != 1 {
		t.Fatalf("checks = %d, want 1", len(spec.Checks))
	}
	if spec.Checks[0].Metric != "roc_auc" || spec.Checks[0].Min != 0.7 {
		t.Fatalf("default check = %+v", spec.Checks[0])
	}
}
