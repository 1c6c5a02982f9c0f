package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"flickrtwin/pkg/ui"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "0.3.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile  string
	logLevel    string
	apiKey      string
	storageKind string
	storagePath string
	storageDSN  string
	metricsAddr string
	notify      bool
	quiet       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flickrtwin",
	Short: "Find the Flickr users whose favorites look most like yours",
	Long: `flickrtwin crawls the public favorites graph of Flickr to find your
"twins": the users who favorited the same photos you did. Their favorites
in turn surface popular photos you have not seen yet.

Every call draws on a rolling budget of 3500 calls per hour. The graph and
the call history are saved between runs so a crawl can be resumed.`,
	Example: `  # Seed the graph from your own favorites and list your twins
  flickrtwin twins 12345678@N00

  # Spend up to 500 calls exploring the best ranked twins
  flickrtwin crawl --max-requests 500

  # List photos your twins liked
  flickrtwin photos -n 30`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			ui.SetQuietMode(true)
		}
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Parent() != nil && !cmd.Parent().HasParent() {
			ui.PrintBanner()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		ui.PrintError("Error", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default is $HOME/.config/flickrtwin/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, disabled)")
	pf.StringVar(&apiKey, "api-key", "", "Flickr API key (overrides stored credentials)")
	pf.StringVar(&storageKind, "storage", "", "graph storage backend (file, sqlite, postgres, none)")
	pf.StringVar(&storagePath, "storage-path", "", "graph snapshot path for the file and sqlite backends")
	pf.StringVar(&storageDSN, "dsn", "", "postgres connection string")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /status on this address while running")
	pf.BoolVar(&notify, "notify", false, "send a desktop notification when a batch finishes")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors and results")

	rootCmd.SetVersionTemplate(`flickrtwin {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// commandLineFlags collects the global flags the user actually set
func commandLineFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	set := func(name string, value interface{}) {
		if cmd.Flags().Changed(name) {
			flags[name] = value
		}
	}
	set("api-key", apiKey)
	set("log-level", logLevel)
	set("storage", storageKind)
	set("storage-path", storagePath)
	set("dsn", storageDSN)
	set("metrics-addr", metricsAddr)
	return flags
}
