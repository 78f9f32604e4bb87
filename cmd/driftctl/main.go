package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/helix-bio/recalibra/internal/accuracy"
	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/cache"
	"github.com/helix-bio/recalibra/internal/drift"
	"github.com/helix-bio/recalibra/internal/recal"
	"github.com/helix-bio/recalibra/internal/registry"
	"github.com/helix-bio/recalibra/internal/source"
	"github.com/helix-bio/recalibra/internal/store"
	"github.com/helix-bio/recalibra/internal/wal"
)

var (
	// Global flags
	storeBackend string
	snapshotPath string
	postgresConn string
	registryDir  string
	artifactDir  string

	// Command state
	modelID      string
	bucket       string
	strategy     string
	triggeredBy  string
	ksAlpha      float64
	psiThreshold float64
	minWindow    int
	synthSeed    int64
	synthShift   float64
	walFile      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftctl",
		Short: "Operator tool for drift checks and recalibration against local storage",
		Long: `driftctl runs drift checks, accuracy reports, and recalibrations directly
against the configured store, without going through the HTTP service.`,
	}

	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "memory", "Store backend: memory or postgres")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "data/store.json", "Memory store snapshot path")
	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres-conn", "", "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&registryDir, "registry-dir", "data/models", "Model registry directory")
	rootCmd.PersistentFlags().StringVar(&artifactDir, "artifact-dir", "data/artifacts", "Recalibration artifact directory")

	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(accuracyCmd())
	rootCmd.AddCommand(recalibrateCmd())
	rootCmd.AddCommand(synthCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// checkCmd runs a drift check for one model and persists the result
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a drift check for a model",
		Long: `Aligns the model's stored predictions and observations, splits the series
into baseline and recent windows, and runs the distribution tests. The
resulting check record is persisted and printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			src, err := openSource(repo)
			if err != nil {
				return err
			}

			alignment, err := src.Pairs(ctx, modelID)
			if err != nil {
				return fmt.Errorf("failed to align pairs: %w", err)
			}

			cfg := api.DefaultDriftConfig()
			cfg.KSAlpha = ksAlpha
			cfg.PSIThreshold = psiThreshold
			cfg.MinWindowSize = minWindow

			result := drift.Check(modelID, alignment.Pairs, cfg)
			if err := repo.SaveDriftCheck(ctx, result); err != nil {
				return fmt.Errorf("failed to persist check: %w", err)
			}

			printJSON(result)
			if result.Detected == nil {
				fmt.Printf("\nNo verdict: %s\n", result.Reason)
			} else if *result.Detected {
				fmt.Printf("\nDrift detected (%v). Next: 'driftctl recalibrate --model %s --triggered-by %s'\n",
					result.TriggeredTests, modelID, result.ID)
			} else {
				fmt.Printf("\nNo drift detected over %d pairs.\n", len(alignment.Pairs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "Model ID")
	cmd.Flags().Float64Var(&ksAlpha, "ks-alpha", 0.05, "KS significance level")
	cmd.Flags().Float64Var(&psiThreshold, "psi-threshold", 0.25, "PSI threshold")
	cmd.Flags().IntVar(&minWindow, "min-window", 10, "Minimum pairs per window")
	cmd.MarkFlagRequired("model")

	return cmd
}

// accuracyCmd prints the accuracy snapshot or a bucketed timeseries
func accuracyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Report a model's accuracy metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			src, err := openSource(repo)
			if err != nil {
				return err
			}

			alignment, err := src.Pairs(ctx, modelID)
			if err != nil {
				return fmt.Errorf("failed to align pairs: %w", err)
			}

			if bucket != "" {
				series, err := accuracy.ComputeTimeseries(alignment.Pairs, api.BucketSize(bucket))
				if err != nil {
					return err
				}
				printJSON(series)
				return nil
			}

			snapshot, err := accuracy.Compute(alignment.Pairs)
			if err != nil {
				return err
			}
			printJSON(snapshot)
			fmt.Printf("\n%d pairs, %d observations skipped during alignment\n",
				len(alignment.Pairs), alignment.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "Model ID")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket size for a timeseries: day, week, or month")
	cmd.MarkFlagRequired("model")

	return cmd
}

// recalibrateCmd runs a recalibration synchronously and prints the run
func recalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalibrate",
		Short: "Recalibrate a model over its aligned pairs",
		Long: `Fits a recalibration for the model: a correction layer for closed models,
a retrain trigger for open ones. The run record with before/after accuracy
is persisted and printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			reg, err := registry.New(registryDir)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}

			artifacts, err := recal.NewArtifactStore(artifactDir)
			if err != nil {
				return fmt.Errorf("failed to open artifact store: %w", err)
			}

			src, err := openSource(repo)
			if err != nil {
				return err
			}
			alignment, err := src.Pairs(ctx, modelID)
			if err != nil {
				return fmt.Errorf("failed to align pairs: %w", err)
			}

			orchestrator := recal.NewOrchestrator(reg, repo, artifacts, "retrain-pipeline")
			run, err := orchestrator.Recalibrate(ctx, modelID, alignment.Pairs, triggeredBy, strategy)
			if err != nil {
				return fmt.Errorf("recalibration failed: %w", err)
			}

			printJSON(run)
			if run.Status == api.RunFailed {
				return fmt.Errorf("run %s failed: %s", run.ID, run.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "Model ID")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Strategy hint: retrain or correction")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "", "Drift check ID that prompted this run")
	cmd.MarkFlagRequired("model")

	return cmd
}

// synthCmd runs the detector against a generated series as a pipeline check
func synthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Run a drift check against a synthetic drifting series",
		Long: `Generates a labeled synthetic pair series whose second half carries a mean
shift, then runs the detector on it. Useful for verifying thresholds and
exercising the pipeline without stored data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := source.DefaultSynthetic(synthSeed)
			gen.Shift = synthShift

			alignment, err := gen.Pairs(context.Background(), "synthetic")
			if err != nil {
				return err
			}

			result := drift.Check("synthetic", alignment.Pairs, api.DefaultDriftConfig())
			printJSON(result)
			return nil
		},
	}

	cmd.Flags().Int64Var(&synthSeed, "seed", time.Now().UnixNano(), "Generator seed")
	cmd.Flags().Float64Var(&synthShift, "shift", 2.0, "Mean shift applied to the recent half")

	return cmd
}

// replayCmd re-applies a journal file to the store after a crash
func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an ingest journal into the store",
		Long: `Re-applies every batch from an ingest journal file. Record inserts are
idempotent, so replaying a journal that was partially applied is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			entries, err := wal.Replay(walFile)
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}

			var predictions, observations, skipped int
			for _, entry := range entries {
				switch entry.Kind {
				case wal.KindPrediction:
					var records []api.PredictionRecord
					if err := json.Unmarshal(entry.Body, &records); err != nil {
						skipped++
						continue
					}
					if err := repo.AddPredictions(ctx, records); err != nil {
						return fmt.Errorf("prediction replay failed: %w", err)
					}
					predictions += len(records)
				case wal.KindObservation:
					var records []api.ObservationRecord
					if err := json.Unmarshal(entry.Body, &records); err != nil {
						skipped++
						continue
					}
					if err := repo.AddObservations(ctx, records); err != nil {
						return fmt.Errorf("observation replay failed: %w", err)
					}
					observations += len(records)
				default:
					skipped++
				}
			}

			fmt.Printf("Replayed %d entries: %d predictions, %d observations, %d skipped\n",
				len(entries), predictions, observations, skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&walFile, "wal-file", "", "Journal file to replay")
	cmd.MarkFlagRequired("wal-file")

	return cmd
}

func openStore() (store.Repository, error) {
	switch storeBackend {
	case "memory":
		return store.NewMemoryStore(snapshotPath)
	case "postgres":
		return store.NewPostgresStore(postgresConn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}
}

func openSource(repo store.Repository) (*source.RealSource, error) {
	pairCache, err := cache.NewPairCache(64, 0)
	if err != nil {
		return nil, err
	}
	return source.NewRealSource(repo, pairCache, nil), nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
