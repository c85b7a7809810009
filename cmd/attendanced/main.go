/*
main.go - Application entry point

PURPOSE:
  The attendanced command. Serves the attendance API and offers a
  stateless proximity check for operators tuning facility radii.

COMMANDS:
  serve     Run the HTTP server with graceful shutdown
  verdict   Evaluate one position against a facility file and print the verdict

CONFIGURATION:
  Environment variables (and an optional .env file) are read first; see
  config/config.go. Flags override them.

EXAMPLES:
  # Run with an in-memory database and seeded facilities
  attendanced serve --db=":memory:" --facilities=./facilities.yaml

  # Check a laptop position for check-out
  attendanced verdict --lat=-6.1754 --lng=106.8272 --accuracy=30 \
      --device-class=laptop --facilities=./facilities.yaml --checkout

SEE ALSO:
  - serve.go: Server wiring
  - verdict.go: Offline proximity check
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/config"
)

var (
	envFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "attendanced",
	Short: "Location-based attendance decision engine",
	Long: `attendanced decides whether an employee may check in or out based on
where their device says they are, when they are doing it, and the
organisation's attendance policy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		logger, err = cfg.Logger()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, verdictCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
