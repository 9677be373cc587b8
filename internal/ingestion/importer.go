// Package ingestion loads claims_normalized parquet exports into the
// warehouse.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/warehouse"
)

const readBatch = 4096

// ClaimWriter is the warehouse surface used by the importer
type ClaimWriter interface {
	WriteClaims(ctx context.Context, claims []models.Claim, mode warehouse.WriteMode) error
	RecordRulesetVersion(ctx context.Context, version, description string) error
	RecordETLRun(ctx context.Context, rulesetVersion string, rowsProcessed int, notes string) (string, error)
}

// ImportRequest describes one parquet import
type ImportRequest struct {
	Path           string
	Append         bool
	RulesetVersion string
	Notes          string
}

// ImportResult summarizes an import
type ImportResult struct {
	RunID       string        `json:"run_id"`
	RowsRead    int           `json:"rows_read"`
	RowsWritten int           `json:"rows_written"`
	Skipped     int           `json:"skipped"`
	Duration    time.Duration `json:"duration"`
}

// Importer writes parquet claims into the warehouse
type Importer struct {
	store ClaimWriter
}

// NewImporter creates an importer on store
func NewImporter(store ClaimWriter) *Importer {
	return &Importer{store: store}
}

// Import validates the file columns, loads every row and records an
// etl_runs entry. Rows without claim_id are skipped.
func (i *Importer) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	startTime := time.Now()

	claims, read, err := ReadClaims(req.Path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{RowsRead: read, Skipped: read - len(claims)}

	mode := warehouse.WriteReplace
	if req.Append {
		mode = warehouse.WriteAppend
	}
	if err := i.store.WriteClaims(ctx, claims, mode); err != nil {
		return nil, fmt.Errorf("failed to write claims: %w", err)
	}
	result.RowsWritten = len(claims)

	if req.RulesetVersion != "" {
		if err := i.store.RecordRulesetVersion(ctx, req.RulesetVersion, "Rule flags applied by the claims risk engine"); err != nil {
			log.Warn().Err(err).Msg("Failed to record ruleset version")
		}
	}

	notes := req.Notes
	if notes == "" {
		notes = "import " + req.Path
	}
	runID, err := i.store.RecordETLRun(ctx, req.RulesetVersion, result.RowsWritten, notes)
	if err != nil {
		return nil, err
	}
	result.RunID = runID
	result.Duration = time.Since(startTime)

	log.Info().
		Str("path", req.Path).
		Str("run_id", runID).
		Int("rows_read", result.RowsRead).
		Int("rows_written", result.RowsWritten).
		Int("skipped", result.Skipped).
		Dur("processing_time", result.Duration).
		Msg("Claims import completed")

	return result, nil
}

// ReadClaims reads every row of a claims parquet file. It returns the claims
// with a claim_id and the total number of rows read.
func ReadClaims(path string) ([]models.Claim, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	columns := make([]string, len(fields))
	for j, field := range fields {
		columns[j] = field.Name()
	}
	if err := warehouse.ValidateClaimColumns(columns); err != nil {
		return nil, 0, err
	}

	reader := parquet.NewGenericReader[ClaimRow](pf)
	defer reader.Close()

	claims := make([]models.Claim, 0, reader.NumRows())
	buf := make([]ClaimRow, readBatch)
	read := 0

	for {
		n, err := reader.Read(buf)
		for j := 0; j < n; j++ {
			read++
			if buf[j].ClaimID == "" {
				continue
			}
			claims = append(claims, buf[j].Claim())
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, read, fmt.Errorf("failed to read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}

	return claims, read, nil
}

// WriteParquet writes claims in the layout ReadClaims expects
func WriteParquet(path string, claims []models.Claim) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[ClaimRow](f,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("claims-risk", "1.0", ""),
	)

	rows := make([]ClaimRow, len(claims))
	for j, c := range claims {
		rows[j] = RowFromClaim(c)
	}
	if _, err := writer.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return f.Close()
}
