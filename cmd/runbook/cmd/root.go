package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/observability"
)

var (
	cfgFile  string
	logLevel string
	log      = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "runbook",
	Short: "Runbook execution API and CLI",
	Long: `A service that serves executable runbooks: markdown documents whose
sections declare environment requirements, file requirements, access claims,
and a shell script. Runbooks can be listed, validated, and executed over the
HTTP API or directly from this CLI, with every run appended to the runbook's
own history section.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Load config to get logging settings if available.
		cfg, err := config.Load(cfgFile)
		if err != nil {
			// Fall back to CLI flag if config fails to load.
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})
			return nil
		}

		loggerCfg := observability.LoggerConfig{
			Level:      observability.LogLevel(cfg.Observability.Logging.Level),
			Format:     observability.LogFormat(cfg.Observability.Logging.Format),
			OutputPath: cfg.Observability.Logging.OutputPath,
		}

		// CLI flag overrides config file.
		if logLevel != "" && logLevel != "info" {
			loggerCfg.Level = observability.LogLevel(logLevel)
		}

		configuredLog, err := observability.ConfigureLogger(loggerCfg)
		if err != nil {
			level, _ := logrus.ParseLevel(logLevel)
			log.SetLevel(level)
			log.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})
			return nil
		}

		log.SetLevel(configuredLog.Level)
		log.SetFormatter(configuredLog.Formatter)
		log.SetOutput(configuredLog.Out)

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml or $CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}
