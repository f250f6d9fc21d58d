package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var osExit = os.Exit

func newRootCmd() *cobra.Command {
	var apiURL string

	rootCmd := &cobra.Command{
		Use:           "tiergate",
		Short:         "tiergate - subscription sessions and feature entitlements",
		Long:          `tiergate signs in to the identity service, resolves the current plan and decides which features the user may use.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "identity service base URL (overrides TIERGATE_API_URL)")

	load := func() (*app, error) { return newApp(apiURL) }

	rootCmd.AddCommand(
		newLoginCmd(load),
		newSignupCmd(load),
		newLogoutCmd(load),
		newWhoamiCmd(load),
		newCheckCmd(load),
		newUseCmd(load),
		newPlanCmd(load),
		newFeaturesCmd(load),
		newMockServerCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tiergate %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
