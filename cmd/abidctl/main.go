// Command abidctl administers the ABID rules server: schema migrations, rule seeding,
// offline panel evaluation and workup archive export.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abid-rules-server/internal/config"
	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/logging"
)

type cli struct {
	configPath string
	logLevel   string
	logger     *logrus.Logger
	logCloser  io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "abidctl",
		Short:         "Administer the ABID antibody identification server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := logging.New(domain.LoggingConfig{Level: c.logLevel, Format: "text", Output: "stderr"})
			if err != nil {
				return err
			}
			c.logger, c.logCloser = logger, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: search ./config.yaml, ./config, /etc/abid-rules-server)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		c.migrateCommand(),
		c.rulesCommand(),
		c.evaluateCommand(),
		c.archiveCommand(),
	)
	return root
}

// loadConfig reads and validates the server configuration
func (c *cli) loadConfig() (*domain.Config, error) {
	var (
		manager *config.Manager
		err     error
	)
	if c.configPath != "" {
		manager, err = config.NewManagerFromFile(c.configPath)
	} else {
		manager, err = config.NewManager()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return manager.GetConfig(), nil
}
