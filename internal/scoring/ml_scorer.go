package scoring

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
)

// normalizationEpsilon keeps min-max normalization defined for a constant batch
const normalizationEpsilon = 1e-8

// MLScorer produces anomaly scores for batches of claims
type MLScorer interface {
	ScoreBatch(ctx context.Context, claims []models.Claim) ([]models.MLScore, error)
	ModelVersion() string
}

// AnomalyScorer applies an exported isolation forest to claims
type AnomalyScorer struct {
	forest       *IsolationForest
	features     *featureBuilder
	modelVersion string
}

// NewAnomalyScorer loads the artifacts under cfg.Dir. It returns
// ErrArtifactMissing when the model or scaler file is absent.
func NewAnomalyScorer(cfg ArtifactConfig) (*AnomalyScorer, error) {
	a, err := loadArtifacts(cfg)
	if err != nil {
		return nil, err
	}

	numeric := DefaultNumericFeatures
	categorical := DefaultCategoricalFeatures
	version := UnknownModelVersion
	if a.meta != nil {
		if len(a.meta.NumericFeatures) > 0 {
			numeric = a.meta.NumericFeatures
		}
		if a.meta.CategoricalFeatures != nil {
			categorical = a.meta.CategoricalFeatures
		}
		if a.meta.ModelVersion != "" {
			version = a.meta.ModelVersion
		}
	}

	features, err := newFeatureBuilder(numeric, categorical, a.featureColumns, a.scaler)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("model_version", version).
		Int("trees", len(a.forest.Trees)).
		Int("feature_columns", len(a.featureColumns)).
		Msg("Anomaly scorer loaded")

	return &AnomalyScorer{
		forest:       a.forest,
		features:     features,
		modelVersion: version,
	}, nil
}

// ModelVersion returns the version recorded in the model metadata
func (s *AnomalyScorer) ModelVersion() string {
	return s.modelVersion
}

// ScoreBatch scores claims. The raw score is the negated decision function,
// so higher means more anomalous, and is min-max normalized within the batch.
func (s *AnomalyScorer) ScoreBatch(ctx context.Context, claims []models.Claim) ([]models.MLScore, error) {
	if len(claims) == 0 {
		return []models.MLScore{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, _ := s.features.build(claims)
	decision := s.forest.DecisionFunction(rows)

	raw := make([]float64, len(decision))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, d := range decision {
		raw[i] = -d
		lo = math.Min(lo, raw[i])
		hi = math.Max(hi, raw[i])
	}

	scores := make([]models.MLScore, len(claims))
	for i := range claims {
		scores[i] = models.MLScore{
			ClaimID:           claims[i].ClaimID,
			MLScore:           raw[i],
			MLScoreNormalized: (raw[i] - lo) / (hi - lo + normalizationEpsilon),
			ModelVersion:      s.modelVersion,
		}
	}

	log.Debug().
		Int("rows", len(scores)).
		Float64("min_score", lo).
		Float64("max_score", hi).
		Msg("Claims scored")

	return scores, nil
}
