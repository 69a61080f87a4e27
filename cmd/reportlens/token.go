package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/reportlens/reportlens/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(flags *globalFlags) *cobra.Command {
	var user auth.User
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token for local development",
		Long: "Mint an identity token signed with auth.jwt_secret. Pass it as\n" +
			"\"Authorization: Bearer <token>\" or in the session cookie.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user.ID == "" {
				return errors.New("--user is required")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			tokens, err := newTokenProvider(cfg)
			if err != nil {
				return err
			}
			token, exp, err := tokens.Issue(user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, token)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user.ID, "user", "u", "", "user ID (token subject)")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name")
	cmd.Flags().StringVar(&user.Email, "email", "", "email address")
	return cmd
}
