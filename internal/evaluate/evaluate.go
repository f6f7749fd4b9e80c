// Package evaluate computes holdout metrics for a candidate model from its
// scored holdout pairs: ROC-AUC as the Mann-Whitney rank statistic with ties
// averaged, and PR-AUC as average precision.
package evaluate

import (
	"sort"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

// ScoredLabel is one holdout example: the model's score and the true label.
type ScoredLabel struct {
	Score float64 `json:"score"`
	Label int     `json:"label"`
}

type Input struct {
	RunID              string
	TrainedFingerprint string
	HoldoutFingerprint string
	Pairs              []ScoredLabel
}

// Evaluate rejects a holdout whose feature schema fingerprint differs from
// the fingerprint the artifact was trained on; scoring a model on
// incompatible features after an upstream preprocessing change must fail
// loudly, never silently.
func Evaluate(in Input, now time.Time) (domain.EvaluationResult, error) {
	if in.TrainedFingerprint != in.HoldoutFingerprint {
		return domain.EvaluationResult{}, &domain.SchemaMismatchError{
			TrainedFingerprint: in.TrainedFingerprint,
			HoldoutFingerprint: in.HoldoutFingerprint,
		}
	}
	if len(in.Pairs) == 0 {
		return domain.EvaluationResult{}, &domain.EvaluationError{Reason: "holdout is empty"}
	}

	var positives, negatives int
	for _, pair := range in.Pairs {
		if pair.Label == 1 {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return domain.EvaluationResult{}, &domain.EvaluationError{Reason: "holdout labels are single-class"}
	}

	return domain.EvaluationResult{
		RunID:       in.RunID,
		ROCAUC:      rocAUC(in.Pairs, positives, negatives),
		PRAUC:       averagePrecision(in.Pairs, positives),
		SampleSize:  len(in.Pairs),
		EvaluatedAt: now.UTC(),
	}, nil
}

func rocAUC(pairs []ScoredLabel, positives, negatives int) float64 {
	sorted := make([]ScoredLabel, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	// Sum of average ranks over positives (Mann-Whitney U).
	var rankSum float64
	i := 0
	for i < len(sorted) {
		j := i
		for j < len(sorted) && sorted[j].Score == sorted[i].Score {
			j++
		}
		// Ranks are 1-based; every member of a tie group gets the group mean.
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if sorted[k].Label == 1 {
				rankSum += avgRank
			}
		}
		i = j
	}

	nPos := float64(positives)
	nNeg := float64(negatives)
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

func averagePrecision(pairs []ScoredLabel, positives int) float64 {
	sorted := make([]ScoredLabel, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var truePos, falsePos int
	var prevRecall, ap float64
	i := 0
	for i < len(sorted) {
		// Process one distinct score as a single threshold.
		j := i
		for j < len(sorted) && sorted[j].Score == sorted[i].Score {
			if sorted[j].Label == 1 {
				truePos++
			} else {
				falsePos++
			}
			j++
		}
		precision := float64(truePos) / float64(truePos+falsePos)
		recall := float64(truePos) / float64(positives)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap
}
