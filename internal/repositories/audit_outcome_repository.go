package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/casemind/claims-risk/internal/models"
)

const outcomeColumns = `id, claim_id, decision, correction_ratio, notes, reviewer_id, created_at, updated_at`

// AuditOutcomeRepository stores auditor decisions
type AuditOutcomeRepository struct {
	db *Database
}

// NewAuditOutcomeRepository creates a new audit outcome repository
func NewAuditOutcomeRepository(db *Database) *AuditOutcomeRepository {
	return &AuditOutcomeRepository{db: db}
}

// Create inserts an outcome, filling the id and timestamps when unset
func (r *AuditOutcomeRepository) Create(ctx context.Context, outcome *models.AuditOutcome) error {
	query := `
		INSERT INTO audit_outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if outcome.ID == uuid.Nil {
		outcome.ID = uuid.New()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}
	if outcome.UpdatedAt.IsZero() {
		outcome.UpdatedAt = outcome.CreatedAt
	}

	_, err := r.db.Pool.Exec(ctx, query,
		outcome.ID,
		outcome.ClaimID,
		outcome.Decision,
		outcome.CorrectionRatio,
		outcome.Notes,
		outcome.ReviewerID,
		outcome.CreatedAt,
		outcome.UpdatedAt,
	)
	return err
}

// LatestByClaimIDs returns the most recent outcome of each claim id that has
// one
func (r *AuditOutcomeRepository) LatestByClaimIDs(ctx context.Context, claimIDs []string) (map[string]*models.AuditOutcome, error) {
	latest := make(map[string]*models.AuditOutcome, len(claimIDs))
	if len(claimIDs) == 0 {
		return latest, nil
	}

	query := `
		SELECT DISTINCT ON (claim_id) ` + outcomeColumns + `
		FROM audit_outcomes
		WHERE claim_id = ANY($1)
		ORDER BY claim_id, created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, claimIDs)
	if err != nil {
		return nil, err
	}
	outcomes, err := scanOutcomes(rows)
	if err != nil {
		return nil, err
	}

	for _, o := range outcomes {
		latest[o.ClaimID] = o
	}
	return latest, nil
}

// ListByClaimID returns every outcome of a claim, newest first
func (r *AuditOutcomeRepository) ListByClaimID(ctx context.Context, claimID string) ([]*models.AuditOutcome, error) {
	query := `
		SELECT ` + outcomeColumns + `
		FROM audit_outcomes
		WHERE claim_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, claimID)
	if err != nil {
		return nil, err
	}
	return scanOutcomes(rows)
}

func scanOutcomes(rows pgx.Rows) ([]*models.AuditOutcome, error) {
	defer rows.Close()

	var outcomes []*models.AuditOutcome
	for rows.Next() {
		o := &models.AuditOutcome{}
		if err := rows.Scan(
			&o.ID,
			&o.ClaimID,
			&o.Decision,
			&o.CorrectionRatio,
			&o.Notes,
			&o.ReviewerID,
			&o.CreatedAt,
			&o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
