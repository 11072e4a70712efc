// Package cmd provides the command-line interface of memhier.
package cmd

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/memhier/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memhier",
	Short: "memhier models a cache, a TLB, and a page table.",
	Long: `memhier models the memory hierarchy seen by one core: a TLB in ` +
		`front of a page-table walker, and a set-associative cache. It can ` +
		`replay trace files, answer analysis questions, and serve the model ` +
		`over HTTP.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "",
		"YAML file with the memory system configuration")
	rootCmd.PersistentFlags().String("env", "",
		"dotenv file with "+config.EnvPrefix+"* overrides")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false,
		"log what every component does to stderr")
}

// loadConfig builds the configuration from the defaults, the config file,
// the env file, and the environment, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		var err error

		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}

	envFile, _ := cmd.Flags().GetString("env")
	if envFile != "" {
		var err error

		cfg, err = config.LoadEnvFile(cfg, envFile)
		if err != nil {
			return cfg, err
		}
	}

	cfg, err := config.FromEnviron(cfg)
	if err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func logger(cmd *cobra.Command) *log.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		return log.New(os.Stderr, "", 0)
	}

	return log.New(io.Discard, "", 0)
}
