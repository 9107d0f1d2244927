package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deepmatter/chempipe/internal/config"
)

// expansion is one hyperparameter combination in the preview output.
type expansion struct {
	Index     int      `json:"index"`
	ModelType string   `json:"model_type"`
	Args      []string `json:"args"`
}

func newExpandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand [-- run parameters]",
		Short: "Preview the hyperparameter expansion of a parameter set",
		Long:  "Normalizes the run parameters and prints every concrete parameter\ncombination a --hyperparam run would train, without training anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd)
			if err != nil {
				return err
			}
			return runExpand(config.NewNormalizer(app.log), cmd.OutOrStdout(), paramArgs(cmd, args))
		},
	}
}

func runExpand(n *config.Normalizer, w io.Writer, tokens []string) error {
	p, err := n.FromArgs(tokens)
	if err != nil {
		return err
	}

	expanded, err := n.Expand(p)
	if err != nil {
		return err
	}

	out := make([]expansion, len(expanded))
	for i, ep := range expanded {
		out[i] = expansion{Index: i, ModelType: ep.ModelType, Args: ep.Args()}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write expansion: %w", err)
	}
	return nil
}
