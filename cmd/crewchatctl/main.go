package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "crewchatctl",
		Short:         "Control a running crewchatd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(
		statusCmd(),
		conversationsCmd(),
		feedCmd(),
		sendCmd(),
		editCmd(),
		deleteCmd(),
		readCmd(),
		flushCmd(),
		outboxCmd(),
		retryCmd(),
		searchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
