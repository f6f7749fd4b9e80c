package domain

import (
	"errors"
	"strings"
	"time"
)

// DatasetSnapshot is an immutable, content-addressed view of the training
// dataset. Identity is the sha256 of the raw table; two ingests of the same
// bytes resolve to the same snapshot.
type DatasetSnapshot struct {
	ID                string
	Name              string
	ContentSHA256     string
	SourceURI         string
	RowCount          int64
	Columns           []string
	NullFractions     map[string]float64
	SchemaFingerprint string
	CapturedAt        time.Time
	IntegritySHA256   string
}

func (s DatasetSnapshot) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("snapshot id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("snapshot name is required")
	}
	if strings.TrimSpace(s.ContentSHA256) == "" {
		return errors.New("content sha256 is required")
	}
	if strings.TrimSpace(s.SourceURI) == "" {
		return errors.New("source uri is required")
	}
	if s.RowCount < 0 {
		return errors.New("row count must be >= 0")
	}
	if len(s.Columns) == 0 {
		return errors.New("columns are required")
	}
	if strings.TrimSpace(s.SchemaFingerprint) == "" {
		return errors.New("schema fingerprint is required")
	}
	return nil
}

// HasColumn reports whether the snapshot header contains the named column.
func (s DatasetSnapshot) HasColumn(name string) bool {
	for _, col := range s.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// ValidationReport is the outcome of checking a snapshot against the dataset
// contract. INVALID iff Violations is non-empty.
type ValidationReport struct {
	SnapshotID string
	Violations []string
	CheckedAt  time.Time
}

func (r ValidationReport) Valid() bool {
	return len(r.Violations) == 0
}

func (r ValidationReport) Verdict() string {
	if r.Valid() {
		return "valid"
	}
	return "invalid"
}
