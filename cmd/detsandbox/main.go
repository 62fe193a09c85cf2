// Command detsandbox is the CLI front end for the deterministic bytecode
// sandbox: it drives one session's load/analyze/validate/rewrite pipeline
// against a configured policy and prints the resulting diagnostic report.
// Grounded on the teacher's cmd/gojvm (a single-binary, flag-driven entry
// point over a class loader) and saferwall/pe's cobra command tree
// (cmd/pedumper.go), generalized to cobra subcommands with viper-backed
// configuration.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/detsandbox/sandbox/internal/policy"
)

var (
	configPath    string
	logLevel      string
	logFormat     string
	whitelistFile string
	pinnedFile    string
	reportFormat  string

	log = logrus.New()
)

func loadPolicy() (*policy.Policy, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	pol, err := policy.Load(configPath)
	if err != nil {
		return nil, err
	}
	if whitelistFile != "" {
		if err := pol.MergeWhitelistFile(whitelistFile); err != nil {
			return nil, err
		}
	}
	if pinnedFile != "" {
		if err := pol.MergePinnedFile(pinnedFile); err != nil {
			return nil, err
		}
	}
	return pol, nil
}

func configureLogging() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("--log-level %q: %w", logLevel, err)
	}
	log.SetLevel(level)
	switch logFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("--log-format must be 'text' or 'json', got %q", logFormat)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "detsandbox",
		Short: "Deterministic bytecode sandbox: load, analyze, validate, and rewrite classes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the policy config file (yaml/json/toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text|json")
	root.PersistentFlags().StringVar(&whitelistFile, "whitelist-file", "", "newline-delimited whitelist prefixes to merge into the config's whitelist")
	root.PersistentFlags().StringVar(&pinnedFile, "pinned-file", "", "newline-delimited pinned class names to merge into the config's pinned set")
	root.PersistentFlags().StringVar(&reportFormat, "report", "text", "diagnostic report format: text|json")

	root.AddCommand(newLoadCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newRewriteCmd())

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("detsandbox: command failed")
		os.Exit(1)
	}
}
