package subcmd

import (
	"os"

	"github.com/michaelquigley/pfxlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var RootCmd = &cobra.Command{
	Use:   "bluse",
	Short: "Breakthrough Listen data product lifecycle coordinator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logrus.InfoLevel
		if verbose {
			level = logrus.DebugLevel
		}
		pfxlog.GlobalInit(level, pfxlog.DefaultOptions().SetTrimPrefix("github.com/meerkat-bl/"))
	},
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("failure")
		os.Exit(1)
	}
}
