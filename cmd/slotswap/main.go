package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	slotswap "go-slotswap"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

// newTracing is replaced in tests.
var newTracing = setupTracing

// app carries the resolved configuration and the connections opened for a command.
type app struct {
	cfg    config
	logger *slog.Logger
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(&app{cfg: cfg}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "slotswap",
		Short: "Trade calendar slots with other users",
		Long: `Slotswap manages calendar slots and the swap proposals between their owners.
State lives in PostgreSQL; every command is a single, stateless operation against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := a.cfg.logLevel()
			if err != nil {
				return err
			}
			// Logs go to stderr so they never mix with command output.
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	var flags = rootCmd.PersistentFlags()
	flags.StringVar(&a.cfg.DatabaseURL, "db", a.cfg.DatabaseURL, "PostgreSQL connection URL")
	flags.StringVar(&a.cfg.TablePrefix, "prefix", a.cfg.TablePrefix, "Table name prefix")
	flags.StringVar(&a.cfg.User, "as", a.cfg.User, "Id of the user running the command")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newMigrateCmd(a),
		newUserCmd(a),
		newSlotCmd(a),
		newMarketCmd(a),
		newProposeCmd(a),
		newRespondCmd(a),
		newIncomingCmd(a),
		newOutgoingCmd(a),
		newExportCmd(a),
		newAuditCmd(a),
		newSweepCmd(a),
		newInboxCmd(a),
	)

	return rootCmd
}

// open connects to the database and builds a coordinator over it. The returned close function
// flushes traces and closes the connection pool.
func (a *app) open(ctx context.Context) (*slotswap.Coordinator, func(), error) {
	shutdownTracing, err := newTracing(ctx, a.cfg.OtelEndpoint)
	if err != nil {
		return nil, nil, err
	}

	var stopTracing = func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}

	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		stopTracing()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		stopTracing()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := slotswap.NewPostgresStore(db, a.cfg.TablePrefix)
	if err != nil {
		db.Close()
		stopTracing()
		return nil, nil, err
	}

	var coordinator = slotswap.NewCoordinator(store,
		slotswap.WithLogger(a.logger),
		slotswap.WithLockGrace(a.cfg.LockGrace),
	)

	var closeFn = func() {
		stopTracing()
		db.Close()
	}

	return coordinator, closeFn, nil
}

// caller returns the acting user id.
func (a *app) caller() (string, error) {
	if a.cfg.User == "" {
		return "", errors.New("no acting user: pass --as or set SLOTSWAP_USER")
	}
	return a.cfg.User, nil
}

// withCoordinator opens a coordinator for the duration of fn.
func (a *app) withCoordinator(cmd *cobra.Command, fn func(ctx context.Context, c *slotswap.Coordinator) error) error {
	var ctx = cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	coordinator, closeFn, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, coordinator)
}
