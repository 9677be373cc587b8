package warehouse

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
)

// lookupChunk bounds the size of a single IN (...) list
const lookupChunk = 500

// ReadScores returns the whole score cache table
func (s *Store) ReadScores(ctx context.Context) ([]models.MLScore, error) {
	if err := s.requireTable(ctx, ScoresTable); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT claim_id, ml_score, ml_score_normalized, model_version FROM %s", ScoresTable)
	return s.queryScores(ctx, query)
}

// ReadScoresFor returns the cached scores of the given claims. Claims without
// a cached score are simply absent from the result.
func (s *Store) ReadScoresFor(ctx context.Context, claimIDs []string) ([]models.MLScore, error) {
	if err := s.requireTable(ctx, ScoresTable); err != nil {
		return nil, err
	}

	var scores []models.MLScore
	for start := 0; start < len(claimIDs); start += lookupChunk {
		end := start + lookupChunk
		if end > len(claimIDs) {
			end = len(claimIDs)
		}
		chunk := claimIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		query := fmt.Sprintf(
			"SELECT claim_id, ml_score, ml_score_normalized, model_version FROM %s WHERE claim_id IN (%s)",
			ScoresTable, placeholders(len(chunk)),
		)
		batch, err := s.queryScores(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		scores = append(scores, batch...)
	}
	return scores, nil
}

func (s *Store) queryScores(ctx context.Context, query string, args ...any) ([]models.MLScore, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var scores []models.MLScore
	for rows.Next() {
		var sc models.MLScore
		if err := rows.Scan(&sc.ClaimID, &sc.MLScore, &sc.MLScoreNormalized, &sc.ModelVersion); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// WriteScores stores scores in the cache table. Replace swaps the whole
// table inside one transaction.
func (s *Store) WriteScores(ctx context.Context, scores []models.MLScore, mode WriteMode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if mode == WriteReplace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+ScoresTable); err != nil {
			return fmt.Errorf("failed to drop score table: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.scoresSchema()); err != nil {
		return fmt.Errorf("failed to create score table: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (claim_id, ml_score, ml_score_normalized, model_version) VALUES (?, ?, ?, ?)", ScoresTable)
	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare score insert: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.ClaimID, sc.MLScore, sc.MLScoreNormalized, sc.ModelVersion); err != nil {
			return fmt.Errorf("failed to insert score %s: %w", sc.ClaimID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scores: %w", err)
	}

	log.Info().
		Int("rows", len(scores)).
		Bool("replace", mode == WriteReplace).
		Msg("ML scores written to warehouse")

	return nil
}
