package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/elog"
)

// log is the process-wide logging/progress view, set up once in
// rootCmd's PersistentPreRunE the same way cmd/vorteil wires up its own
// elog.View before any subcommand runs.
var log elog.View

var (
	flagJSON    bool
	flagVerbose bool
	flagDebug   bool
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(debugCmd)

	poolCmd.AddCommand(poolCreateCmd)
	poolCmd.AddCommand(poolDestroyCmd)
	poolCmd.AddCommand(poolImportCmd)
	poolCmd.AddCommand(poolExportCmd)
	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolScrubCmd)
	poolCmd.AddCommand(poolHistoryCmd)

	datasetCmd.AddCommand(datasetCreateCmd)
	datasetCmd.AddCommand(datasetDestroyCmd)
	datasetCmd.AddCommand(datasetListCmd)

	debugCmd.AddCommand(debugFlagsCmd)
	debugCmd.AddCommand(debugDraidCmd)
}

var rootCmd = &cobra.Command{
	Use:   "zpoold",
	Short: "Command-line interface to the pool allocator and storage engine core",
	Long: `zpoold administers pools built on the copy-on-write storage engine
core: creating, importing, exporting, and scrubbing pools, managing
datasets within them, and inspecting their dedup, event, and timeline
state.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("zpoold %s (%s)", release, commit)
	},
}
