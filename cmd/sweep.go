package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fromafrica/escrow-service/internal/core/events"
	"github.com/fromafrica/escrow-service/internal/escrow"
	escrowPostgres "github.com/fromafrica/escrow-service/internal/escrow/postgres"
	"github.com/fromafrica/escrow-service/internal/gateway"
	"github.com/fromafrica/escrow-service/internal/order"
	orderPostgres "github.com/fromafrica/escrow-service/internal/order/postgres"
	"github.com/fromafrica/escrow-service/pkg/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release funded escrows past their inspection window",
	Long:  `Run the auto-release sweep as a standalone worker, either once or on an interval.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSweepCommand()
	},
}

var (
	sweepOnce     bool
	sweepInterval time.Duration
	sweepBatch    int
)

func runSweepCommand() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gorm: %v\n", err)
		os.Exit(1)
	}

	eventBus := events.NewEventBus(lg)
	orderRepo := orderPostgres.NewOrderRepository(gormDB)
	order.NewEventHandler(orderRepo, lg).RegisterEventHandlers(eventBus)

	// The sweep never talks to a provider, so an empty registry suffices.
	registry := gateway.NewRegistry(config.Payment.DefaultProvider)
	svc := escrow.NewService(escrowPostgres.NewEscrowRepository(gormDB), orderRepo, registry, eventBus, lg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sweepOnce {
		released, err := svc.ReleaseExpired(ctx, sweepBatch)
		if err != nil {
			lg.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		lg.Info("sweep finished", "released", released)
		return
	}

	lg.Info("sweep worker running", "interval", sweepInterval)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			lg.Info("received signal, stopping sweep worker", "signal", sig)
			return
		case <-ticker.C:
			if _, err := svc.ReleaseExpired(ctx, sweepBatch); err != nil {
				lg.Error("sweep failed", "error", err)
			}
		}
	}
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single sweep and exit")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", time.Hour, "Interval between sweeps")
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 100, "Maximum escrows released per sweep")

	rootCmd.AddCommand(sweepCmd)
}
