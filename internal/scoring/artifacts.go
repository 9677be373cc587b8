package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrArtifactMissing is returned when the model or scaler file is absent
var ErrArtifactMissing = errors.New("model artifacts not found")

// Artifact file names inside the artifact directory
const (
	ModelFile          = "isolation_forest_iso_v1.json"
	ScalerFile         = "scaler_iso_v1.json"
	FeatureColumnsFile = "feature_columns.json"
	ModelMetaFile      = "model_meta.json"
)

// UnknownModelVersion is reported when no model metadata is available
const UnknownModelVersion = "unknown"

// ArtifactConfig locates the exported training artifacts
type ArtifactConfig struct {
	Dir string
}

// StandardScaler holds the per-column statistics of the numeric features
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// ModelMeta describes the training run of the model
type ModelMeta struct {
	ModelVersion        string   `json:"model_version"`
	NumericFeatures     []string `json:"numeric_features"`
	CategoricalFeatures []string `json:"categorical_features"`
}

type artifacts struct {
	forest         *IsolationForest
	scaler         *StandardScaler
	featureColumns []string
	meta           *ModelMeta
}

func loadArtifacts(cfg ArtifactConfig) (*artifacts, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join("ml", "artifacts")
	}

	modelPath := filepath.Join(dir, ModelFile)
	scalerPath := filepath.Join(dir, ScalerFile)
	for _, p := range []string{modelPath, scalerPath} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, p)
			}
			return nil, fmt.Errorf("failed to stat artifact %s: %w", p, err)
		}
	}

	a := &artifacts{forest: &IsolationForest{}, scaler: &StandardScaler{}}
	if err := readJSON(modelPath, a.forest); err != nil {
		return nil, err
	}
	if err := a.forest.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact: %w", err)
	}
	if err := readJSON(scalerPath, a.scaler); err != nil {
		return nil, err
	}
	if len(a.scaler.Mean) != len(a.scaler.Scale) {
		return nil, fmt.Errorf("invalid scaler artifact: %d means for %d scales", len(a.scaler.Mean), len(a.scaler.Scale))
	}

	if err := readOptionalJSON(filepath.Join(dir, FeatureColumnsFile), &a.featureColumns); err != nil {
		return nil, err
	}

	var meta ModelMeta
	found, err := readOptionalJSONFound(filepath.Join(dir, ModelMetaFile), &meta)
	if err != nil {
		return nil, err
	}
	if found {
		a.meta = &meta
	}

	return a, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func readOptionalJSON(path string, v any) error {
	_, err := readOptionalJSONFound(path, v)
	return err
}

func readOptionalJSONFound(path string, v any) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := readJSON(path, v); err != nil {
		return false, err
	}
	return true, nil
}
