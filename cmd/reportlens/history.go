package main

import (
	"encoding/json"
	"errors"

	"github.com/reportlens/reportlens/internal/logging"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/spf13/cobra"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		userID    string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print chat history as JSON",
		Long:  "Print every session of a user with its messages, or one session with --session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" && sessionID == "" {
				return errors.New("one of --user or --session is required")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, "text")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()
			manager := newManager(backend, cfg, logger)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if sessionID != "" {
				sess, err := manager.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				msgs, err := manager.GetSessionHistory(ctx, sessionID)
				if err != nil {
					return err
				}
				if msgs == nil {
					msgs = []session.Message{}
				}
				return enc.Encode(session.SessionHistory{SessionID: sess.SessionID, CreatedAt: sess.CreatedAt, Messages: msgs})
			}

			history, err := manager.GetUserChatHistory(ctx, userID)
			if err != nil {
				return err
			}
			if history == nil {
				history = []session.SessionHistory{}
			}
			return enc.Encode(history)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user whose sessions to print")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "print a single session")
	return cmd
}
