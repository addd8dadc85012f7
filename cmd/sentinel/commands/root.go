package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Intent-gated secret broker for AI agents",
		Long: "Sentinel hands agents short-lived secrets. Every request carries an intent, " +
			"policy decides instantly or routes it to a human, and every step is audited.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "sentinel.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newPollCmd(),
		newRequestsCmd(),
		newReviewCmd(),
		newSweepCmd(),
		newMCPCmd(),
		newKeygenCmd(),
		newVersionCmd(),
	)

	return root
}
