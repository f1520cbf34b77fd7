package cmd

import (
	"context"
	"fmt"
	"os"

	"davidallendj/oidc-apikey/internal/config"
	"davidallendj/oidc-apikey/internal/logger"

	"github.com/davidallendj/go-utils/pathx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	confPath = ""
	logLevel = ""
	verbose  = false
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:   "oidc-apikey",
	Short: "Exchange a Mokey API key for an OIDC authorization code without a browser",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&confPath, "config", "c", "", "set the config path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "set the log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show debug output")
	rootCmd.SilenceUsage = true
}

func initConfig() {
	// load config if found or fall back to defaults and the environment
	path := confPath
	if path != "" {
		exists, err := pathx.PathExists(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to stat config file: %v\n", err)
			os.Exit(1)
		} else if !exists {
			fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", path)
			path = ""
		}
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if verbose {
		cfg.Verbose = true
	}

	level := cfg.LogLevel
	if cfg.Verbose && level == "info" {
		level = "debug"
	}
	logger.Init(level, true)
	log.Debug().Str("config", cfg.String()).Msg("loaded config")
}
