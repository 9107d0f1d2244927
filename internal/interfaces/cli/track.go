package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deepmatter/chempipe/internal/infrastructure/database/postgres"
	"github.com/deepmatter/chempipe/internal/tracker"
)

// trackQuerier is the slice of tracker.Store the track command uses.
type trackQuerier interface {
	GetRun(ctx context.Context, id uuid.UUID) (*tracker.Run, error)
	ListRuns(ctx context.Context, datasetKey string, limit int) ([]*tracker.Run, error)
	ListScores(ctx context.Context, id uuid.UUID) ([]tracker.ScoreRow, error)
}

func newTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Query the run tracker",
	}
	cmd.AddCommand(newTrackRunsCmd(), newTrackShowCmd())
	return cmd
}

func newTrackRunsCmd() *cobra.Command {
	var (
		datasetKey string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List training runs for a dataset, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := store.ListRuns(cmd.Context(), datasetKey, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&datasetKey, "dataset", "", "dataset key (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum runs to list (default 50)")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func newTrackShowCmd() *cobra.Command {
	var withScores bool
	cmd := &cobra.Command{
		Use:   "show <model_uuid>",
		Short: "Show one run's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid model UUID %q: %w", args[0], err)
			}

			store, cleanup, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := store.GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			var scores []tracker.ScoreRow
			if withScores {
				if scores, err = store.ListScores(cmd.Context(), id); err != nil {
					return err
				}
			}
			return printRun(cmd.OutOrStdout(), run, scores)
		},
	}
	cmd.Flags().BoolVar(&withScores, "scores", false, "include per-epoch scores")
	return cmd
}

func openTracker(cmd *cobra.Command) (trackQuerier, func(), error) {
	app, err := appFromContext(cmd)
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(cmd.Context(), app.cfg.Database, app.log)
	if err != nil {
		return nil, nil, err
	}
	return tracker.NewStore(pool, app.log), pool.Close, nil
}

// runView is the JSON shape of one run in track output.
type runView struct {
	ModelUUID  string             `json:"model_uuid"`
	DatasetKey string             `json:"dataset_key"`
	ModelType  string             `json:"model_type"`
	Status     string             `json:"status"`
	BestEpoch  *int               `json:"best_epoch,omitempty"`
	EpochsRun  *int               `json:"epochs_run,omitempty"`
	Truncated  bool               `json:"truncated"`
	BestScore  *float64           `json:"best_score,omitempty"`
	Error      *string            `json:"error,omitempty"`
	StartedAt  string             `json:"started_at"`
	Scores     []tracker.ScoreRow `json:"scores,omitempty"`
}

func viewOf(run *tracker.Run, scores []tracker.ScoreRow) runView {
	return runView{
		ModelUUID:  run.ModelUUID.String(),
		DatasetKey: run.DatasetKey,
		ModelType:  run.ModelType,
		Status:     string(run.Status),
		BestEpoch:  run.BestEpoch,
		EpochsRun:  run.EpochsRun,
		Truncated:  run.Truncated,
		BestScore:  run.BestScore,
		Error:      run.ErrorMsg,
		StartedAt:  run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		Scores:     scores,
	}
}

func printRuns(w io.Writer, runs []*tracker.Run) error {
	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = viewOf(run, nil)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func printRun(w io.Writer, run *tracker.Run, scores []tracker.ScoreRow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(viewOf(run, scores))
}
