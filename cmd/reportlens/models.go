package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/spf13/cobra"
)

// modelLister is satisfied by llm.BedrockCatalog.
type modelLister interface {
	ListModels(ctx context.Context, imageInput bool) ([]llm.ModelInfo, error)
}

func newModelsCommand(flags *globalFlags) *cobra.Command {
	var (
		region string
		images bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List Bedrock foundation models that produce text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if region == "" {
				region = cfg.LLM.Region
			}
			catalog, err := llm.NewBedrockCatalog(cmd.Context(), region)
			if err != nil {
				return err
			}
			return printModels(cmd.Context(), cmd.OutOrStdout(), catalog, images)
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "AWS region (defaults to llm.region)")
	cmd.Flags().BoolVar(&images, "images", false, "only models that accept image input")
	return cmd
}

func printModels(ctx context.Context, w io.Writer, lister modelLister, images bool) error {
	models, err := lister.ListModels(ctx, images)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tVENDOR\tNAME\tIMAGES")
	for _, m := range models {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ID, m.Vendor, m.Name, m.AcceptsImages)
	}
	return tw.Flush()
}
