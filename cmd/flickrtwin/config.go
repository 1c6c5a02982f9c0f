package main

import (
	"fmt"
	"os"

	"flickrtwin/pkg/auth"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/ui"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceInit bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage flickrtwin configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (FLICKRTWIN_*, also read from .env)
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default value",
	Long: `Write the default configuration to --config, or to
$HOME/.config/flickrtwin/config.yaml when no path is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging every source. The API key is
masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	ui.PrintSuccess("Configuration file created: " + path)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Store your API key with 'flickrtwin auth set'")
	fmt.Println("2. Run 'flickrtwin config validate' to check the configuration")
	fmt.Println("3. Seed the graph with 'flickrtwin twins <your-nsid>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, commandLineFlags(cmd))
	if err != nil {
		return err
	}

	display := *cfg
	if display.Flickr.APIKey != "" {
		display.Flickr.APIKey = auth.Sanitize(&auth.Credential{APIKey: display.Flickr.APIKey}).APIKey
	}

	data, err := yaml.Marshal(&display)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Println()
	fmt.Print(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, commandLineFlags(cmd))
	if err != nil {
		return err
	}

	if _, err := resolveAPIKey(cfg); err != nil {
		ui.PrintWarning("API key", err)
	}

	ui.PrintSuccess("Configuration is valid")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Budget: %d calls per %s\n", cfg.RateLimit.CallsPerWindow, cfg.RateLimit.Window)
	fmt.Printf("  Max requests per crawl: %d\n", cfg.Crawl.MaxRequests)
	fmt.Printf("  Graph storage: %s\n", cfg.Storage.Backend)
	fmt.Printf("  Call history: %s\n", cfg.History.Backend)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s\n", cfg.Metrics.Addr)
	}
	return nil
}
