// Package cli implements the hive command tree: the worker entry point and
// the operator commands for inspecting and steering runs. Commands load
// configuration through the config package (file, .env, environment) and
// talk to the coordination database through the db store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hive.evalgo.org/config"
	"hive.evalgo.org/db"
)

// cfgFile is the --config flag value. Empty means the standard search
// paths (., ./configs, $HOME/.hive, /etc/hive).
var cfgFile string

// ErrStoreUnreachable wraps a coordination database connect failure that
// survived the bounded retry budget. main maps it to exit code 3.
var ErrStoreUnreachable = errors.New("coordination database unreachable")

// RootCmd is the hive command tree root.
var RootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Distributed document ingestion workers",
	Long: `hive runs document ingestion workers that coordinate through a shared
PostgreSQL database. Workers started with an equivalent configuration attach
to the same run, split its document queue between them, and drive the run to
completion exactly once regardless of how many workers come and go.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, $HOME/.hive, /etc/hive)")
}

// Execute runs the command tree and returns the command's error, if any.
func Execute() error {
	return RootCmd.Execute()
}

// ExitCode maps an Execute error to the process exit code: 0 on success,
// 2 for invalid configuration, 3 when the coordination database stayed
// unreachable, 4 when the configured run is already terminal, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		return 2
	case errors.Is(err, ErrStoreUnreachable):
		return 3
	case errors.Is(err, db.ErrRunTerminal):
		return 4
	}
	return 1
}

// loadOperatorConfig loads configuration for the operator commands, which
// only need the coordination database. Worker-side validation is skipped so
// a bare COORD_DB_URL is enough to inspect runs.
func loadOperatorConfig() (*config.Config, error) {
	loader := config.NewLoader(config.EnvPrefix)
	loader.SetConfigDefaults()
	cfg := &config.Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if cfg.Coordination.URL == "" {
		return nil, &config.ValidationError{Field: "coordination.url", Reason: "coordination database URL is required"}
	}
	return cfg, nil
}

// connectStore dials the coordination database with a bounded retry budget.
// After the budget is spent the returned error wraps ErrStoreUnreachable.
func connectStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*db.Store, error) {
	attempts := cfg.Coordination.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := cfg.Coordination.ConnectBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			logger.WithError(lastErr).WithFields(logrus.Fields{
				"attempt": attempt,
				"of":      attempts,
			}).Warn("Retrying coordination database connect")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		database, err := db.NewPostgresDB(cfg.Coordination.URL, cfg.Coordination.MaxConns)
		if err == nil {
			return db.NewStore(database), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrStoreUnreachable, attempts, lastErr)
}
