package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/dataset"
	"github.com/deepmatter/chempipe/internal/diversity"
	"github.com/deepmatter/chempipe/internal/infrastructure/search/milvus"
)

type diversityOptions struct {
	format         string
	outPath        string
	useVectorStore bool
}

func newDiversityCmd() *cobra.Command {
	opts := &diversityOptions{}

	cmd := &cobra.Command{
		Use:   "diversity [-- run parameters]",
		Short: "Produce a nearest-neighbor diversity report for a dataset",
		Long:  "Fingerprints every compound in the dataset and reports the Tanimoto\ndistance from each compound to its nearest neighbor, with distribution\nsummaries. Large datasets are indexed in the vector store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd)
			if err != nil {
				return err
			}
			return runDiversity(cmd.Context(), app, opts, cmd.OutOrStdout(), paramArgs(cmd, args))
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "json", "report format (json, csv)")
	cmd.Flags().StringVar(&opts.outPath, "out", "", "output file (default: stdout)")
	cmd.Flags().BoolVar(&opts.useVectorStore, "use-vector-store", false, "index fingerprints in Milvus for large datasets")
	return cmd
}

func runDiversity(ctx context.Context, app *appContext, opts *diversityOptions, stdout io.Writer, tokens []string) error {
	if opts.format != "json" && opts.format != "csv" {
		return fmt.Errorf("unknown report format %q (want json or csv)", opts.format)
	}

	p, err := config.NewNormalizer(app.log).FromArgs(tokens)
	if err != nil {
		return err
	}

	ds, err := dataset.NewLoader(app.log).LoadCSV(p.DatasetKey, p)
	if err != nil {
		return err
	}

	reporterCfg := diversity.ReporterConfig{Logger: app.log}
	if opts.useVectorStore {
		client, err := milvus.NewClient(ctx, app.cfg.Milvus, app.log)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		reporterCfg.Index = milvus.NewFingerprintStore(client, app.cfg.Milvus, app.log)
		reporterCfg.Searcher = milvus.NewFingerprintSearcher(
			client, app.cfg.Milvus.NProbe, app.cfg.Milvus.DefaultTopK, app.log)
	}

	report, err := diversity.NewReporter(reporterCfg).Generate(ctx, ds, p)
	if err != nil {
		return err
	}

	w := stdout
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if opts.format == "csv" {
		return report.WriteCSV(w)
	}
	return report.WriteJSON(w)
}
