package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sentinel/internal/config"
	"github.com/Martian-dev/inbox-sentinel/internal/display"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "sentinel - incremental mailbox sync and threat scan",
	Long:          "Sentinel pulls new mail for every connected tenant mailbox, scores it for threats and records a verdict per message.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version":
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log, err = newLogger(cfg.LogLevel, cfg.LogFormat)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentinel version %s\n", Version)
	},
}

func newLogger(level, format string) (*logrus.Logger, error) {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd, syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		display.ErrorMsg("%v", err)
		os.Exit(1)
	}
}
