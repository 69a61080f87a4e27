package main

import (
	"fmt"
	"os"

	"github.com/reportlens/reportlens/pkg/config"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "reportlens",
		Short:         "Medical report explainer and follow-up assistant",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("CONFIG_FILE"), "configuration file (YAML)")

	root.AddCommand(
		newServeCommand(flags),
		newTokenCommand(flags),
		newHistoryCommand(flags),
		newModelsCommand(flags),
		newChatCommand(flags),
		newExplainCommand(flags),
	)
	return root
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
