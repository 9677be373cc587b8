package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/bootstrap"
	"github.com/casemind/claims-risk/internal/ingestion"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func refreshScoresCmd(cfg *configs.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-scores",
		Short: "Recompute the ML score cache and log a QC snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			topK, _ := cmd.Flags().GetInt("top-k")
			publish, _ := cmd.Flags().GetBool("publish")
			ctx := cmd.Context()

			store, err := warehouse.New(cfg.Warehouse)
			if err != nil {
				return err
			}
			defer store.Close()

			var publisher scorecache.EventPublisher
			if publish {
				producer, err := queue.NewEventProducer(cfg.Kafka)
				if err != nil {
					return err
				}
				defer producer.Close()
				publisher = producer
			}

			stack, err := bootstrap.NewScoring(ctx, cfg, store, publisher)
			if err != nil {
				return err
			}

			res, err := stack.Manager.Refresh(ctx, scorecache.RefreshOptions{TopK: topK, RequestedBy: "claimsctl"})
			if err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().Int("top-k", 0, "Number of top ranked claims kept in the QC snapshot (default from QC_TOP_K)")
	cmd.Flags().Bool("publish", false, "Publish the refresh event to Kafka")

	return cmd
}

func qcSummaryCmd(cfg *configs.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qc-summary",
		Short: "Aggregate QC snapshots into the summary report",
		RunE: func(cmd *cobra.Command, args []string) error {
			logsDir, _ := cmd.Flags().GetString("logs-dir")
			output, _ := cmd.Flags().GetString("output")

			report, err := qc.WriteSummary(logsDir, output)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("QC log directory %s does not exist", logsDir)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().String("logs-dir", cfg.QC.LogDir, "Directory holding the QC snapshots")
	cmd.Flags().String("output", cfg.QC.SummaryPath, "Path of the summary JSON")

	return cmd
}

func qcStatusCmd(cfg *configs.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "qc-status",
		Short: "Evaluate the latest QC snapshot against the alert thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := qc.NewService(qc.ServiceConfig{
				LogDir:      cfg.QC.LogDir,
				SummaryPath: cfg.QC.SummaryPath,
				Thresholds: qc.Thresholds{
					RiskScoreMin:   cfg.QC.MinRiskScore,
					LOSLe1RatioMin: cfg.QC.MinLOSRatio,
				},
			}, nil)

			status, err := svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func importClaimsCmd(cfg *configs.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-claims",
		Short: "Load a claims_normalized parquet export into the warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("parquet")
			appendRows, _ := cmd.Flags().GetBool("append")
			notes, _ := cmd.Flags().GetString("notes")

			store, err := warehouse.New(cfg.Warehouse)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := runImport(cmd.Context(), store, ingestion.ImportRequest{
				Path:           path,
				Append:         appendRows,
				RulesetVersion: cfg.Scoring.RulesetVersion,
				Notes:          notes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().String("parquet", "", "Path of the parquet export")
	cmd.Flags().Bool("append", false, "Append to the claims table instead of replacing it")
	cmd.Flags().String("notes", "", "Notes stored with the etl_runs entry")
	_ = cmd.MarkFlagRequired("parquet")

	return cmd
}

func runImport(ctx context.Context, store ingestion.ClaimWriter, req ingestion.ImportRequest) (*ingestion.ImportResult, error) {
	res, err := ingestion.NewImporter(store).Import(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("import failed: %w", err)
	}
	log.Info().
		Str("run_id", res.RunID).
		Int("rows_written", res.RowsWritten).
		Int("skipped", res.Skipped).
		Msg("Claims imported")
	return res, nil
}
