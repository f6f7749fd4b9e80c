// Package httptrainer invokes a remote training worker over HTTP. Transport
// errors, timeouts, and worker-reported failures all surface as a
// TrainingError; the controller never retries them.
package httptrainer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/evaluate"
	"github.com/readmit-labs/readmit-go/internal/train"
)

const maxResponseBytes = 256 << 20

type Trainer struct {
	endpoint string
	client   *http.Client
}

func New(endpoint string, timeout time.Duration) (*Trainer, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	return &Trainer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (t *Trainer) Kind() string { return "http" }

type workerResponse struct {
	ArtifactB64        string                 `json:"artifact_b64"`
	ArtifactSHA256     string                 `json:"artifact_sha256"`
	SchemaFingerprint  string                 `json:"schema_fingerprint"`
	HoldoutFingerprint string                 `json:"holdout_fingerprint"`
	Holdout            []evaluate.ScoredLabel `json:"holdout"`
	Diagnostics        map[string]any         `json:"diagnostics"`
	Error              string                 `json:"error"`
}

func (t *Trainer) Train(ctx context.Context, req train.Request) (train.Result, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "malformed request", Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		reason := "worker unreachable"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "training deadline exceeded"
		}
		return train.Result{}, &domain.TrainingError{Reason: reason, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "read worker response", Err: err}
	}

	var decoded workerResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "decode worker response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		reason := fmt.Sprintf("worker returned status %d", resp.StatusCode)
		if strings.TrimSpace(decoded.Error) != "" {
			reason = reason + ": " + strings.TrimSpace(decoded.Error)
		}
		return train.Result{}, &domain.TrainingError{Reason: reason}
	}

	artifact, err := base64.StdEncoding.DecodeString(decoded.ArtifactB64)
	if err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "decode artifact", Err: err}
	}
	if len(artifact) == 0 {
		return train.Result{}, &domain.TrainingError{Reason: "worker returned empty artifact"}
	}
	if strings.TrimSpace(decoded.ArtifactSHA256) == "" {
		return train.Result{}, &domain.TrainingError{Reason: "worker omitted artifact sha256"}
	}
	if strings.TrimSpace(decoded.SchemaFingerprint) == "" {
		return train.Result{}, &domain.TrainingError{Reason: "worker omitted schema fingerprint"}
	}
	if len(decoded.Holdout) == 0 {
		return train.Result{}, &domain.TrainingError{Reason: "worker returned empty holdout"}
	}

	holdoutFingerprint := strings.TrimSpace(decoded.HoldoutFingerprint)
	if holdoutFingerprint == "" {
		holdoutFingerprint = strings.TrimSpace(decoded.SchemaFingerprint)
	}

	return train.Result{
		ArtifactBytes:      artifact,
		ArtifactSHA256:     strings.TrimSpace(decoded.ArtifactSHA256),
		SchemaFingerprint:  strings.TrimSpace(decoded.SchemaFingerprint),
		HoldoutFingerprint: holdoutFingerprint,
		HoldoutPairs:       decoded.Holdout,
		Diagnostics:        decoded.Diagnostics,
		Duration:           time.Since(start),
	}, nil
}
