package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/reportlens/reportlens/internal/logging"
	"github.com/spf13/cobra"
)

const chatHistoryFile = ".reportlens_history"

func newChatCommand(flags *globalFlags) *cobra.Command {
	var (
		userID    string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask follow-up questions in a session interactively",
		Long: "Start an interactive prompt that sends each line to the model within\n" +
			"a session. Without --session a new session is created. Type /quit to exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
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

			if sessionID == "" {
				sessionID, err = a.manager.CreateNewSession(ctx, userID)
				if err != nil {
					return err
				}
			} else {
				sess, err := a.manager.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				if sess.UserID != userID {
					return fmt.Errorf("session %s belongs to another user", sessionID)
				}
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "session %s\n", sessionID)

			line := liner.NewLiner()
			defer func() { _ = line.Close() }()
			line.SetCtrlCAborts(true)

			histPath := filepath.Join(os.TempDir(), chatHistoryFile)
			if f, err := os.Open(histPath); err == nil {
				_, _ = line.ReadHistory(f)
				_ = f.Close()
			}
			defer func() {
				if f, err := os.Create(histPath); err == nil {
					_, _ = line.WriteHistory(f)
					_ = f.Close()
				}
			}()

			for {
				question, err := line.Prompt("> ")
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				question = strings.TrimSpace(question)
				switch question {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				}
				line.AppendHistory(question)

				ans, err := a.assistant.Ask(ctx, userID, sessionID, question)
				if err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				_, _ = fmt.Fprintf(out, "%s\n\n", ans.Content)
			}
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user ID that owns the session")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "existing session to continue")
	return cmd
}
