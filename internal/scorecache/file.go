package scorecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/casemind/claims-risk/internal/models"
)

// FileName is the flat-file copy of the score cache
const FileName = "claims_ml_scores.parquet"

// FileStore keeps the score cache as a parquet file
type FileStore struct {
	path string
}

// NewFileStore places the cache file under dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, FileName)}
}

// Path returns the location of the cache file
func (f *FileStore) Path() string {
	return f.path
}

// Read returns every cached score. A missing file yields os.ErrNotExist.
func (f *FileStore) Read() ([]models.MLScore, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, err
	}
	scores, err := parquet.ReadFile[models.MLScore](f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read score file: %w", err)
	}
	return scores, nil
}

// Write replaces the cache file. Rows go to a temporary file first which is
// renamed into place once complete.
func (f *FileStore) Write(scores []models.MLScore) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create score directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".claims_ml_scores-*.parquet")
	if err != nil {
		return fmt.Errorf("failed to create score file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := parquet.NewGenericWriter[models.MLScore](tmp,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("claims-risk", "1.0", ""),
	)
	if _, err := writer.Write(scores); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write score rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close score file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to move score file into place: %w", err)
	}
	return nil
}
