package main

import (
	"encoding/json"
	"errors"

	"github.com/reportlens/reportlens/internal/logging"
	"github.com/spf13/cobra"
)

func newExplainCommand(flags *globalFlags) *cobra.Command {
	var userID, key string
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain a report already stored in the bucket",
		Long: "Read a PDF report from object storage by key and explain it in a new\n" +
			"session owned by --user. Prints the result as JSON.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" || key == "" {
				return errors.New("--user and --key are required")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), "warn", "text")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.assistant.ExplainStoredPDF(ctx, userID, key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user that owns the new session")
	cmd.Flags().StringVarP(&key, "key", "k", "", "object key of the stored PDF")
	return cmd
}
