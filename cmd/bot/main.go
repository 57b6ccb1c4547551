package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

type rootConfig struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Leveraged futures bot: trading loops, safety supervision and emergency controls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&rc.configPath, "config", "c", "config/config.yaml", "path to the yaml config")

	cmd.AddCommand(
		newRunCmd(rc),
		newReconcileCmd(rc),
		newPanicCloseCmd(rc),
		newEmergencyStopCmd(rc),
		newReduceCmd(rc),
		newCancelAllCmd(rc),
		newCheckCmd(rc),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
