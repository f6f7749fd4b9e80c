package domain

import (
	"errors"
	"strings"
	"time"
)

// ModelPointer is the single versioned record naming the currently served
// artifact for a model. Updated only through a compare-and-swap on its
// version; readers never observe a partial update.
type ModelPointer struct {
	Name               string
	Version            int64
	ArtifactID         string
	RunID              string
	PreviousArtifactID string
	PromotedAt         time.Time
}

func (p ModelPointer) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("model name is required")
	}
	if p.Version < 1 {
		return errors.New("version must be >= 1")
	}
	if strings.TrimSpace(p.ArtifactID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(p.RunID) == "" {
		return errors.New("run id is required")
	}
	return nil
}

const (
	PromotionKindPromote  = "promote"
	PromotionKindRollback = "rollback"
)

// PromotionRecord is one append-only entry in the pointer's swap history.
// The previous artifact id stays retrievable so a rollback is always possible.
type PromotionRecord struct {
	ID                 string
	ModelName          string
	Version            int64
	ArtifactID         string
	RunID              string
	PreviousArtifactID string
	Kind               string
	Actor              string
	OccurredAt         time.Time
	IntegritySHA256    string
}

func (r PromotionRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("promotion record id is required")
	}
	if strings.TrimSpace(r.ModelName) == "" {
		return errors.New("model name is required")
	}
	if r.Version < 1 {
		return errors.New("version must be >= 1")
	}
	if strings.TrimSpace(r.ArtifactID) == "" {
		return errors.New("artifact id is required")
	}
	switch r.Kind {
	case PromotionKindPromote, PromotionKindRollback:
	default:
		return errors.New("promotion kind must be promote or rollback")
	}
	if strings.TrimSpace(r.IntegritySHA256) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}
