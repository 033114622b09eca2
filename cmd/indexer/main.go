package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/archive"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/reorg"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/runner"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/sequencer"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/source"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/transfers"
	pkgconfig "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	pkgsource "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════════╗
║        USDC Transfer Indexer v%s       ║
║   Reorg-aware checkpointed ingestion      ║
╚═══════════════════════════════════════════╝
`
)

var (
	configPath string
	envPath    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Indexes USDC Transfer events into a checkpointed store",
	Long: `indexer follows Ethereum mainnet through an archive gateway and a live RPC node,
detects chain reorganizations inside the confirmation window and keeps a derived
store of USDC transfers that can be rolled back to any retained checkpoint.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runIndexer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "optional .env file loaded before the configuration")

	rootCmd.AddCommand(statusCmd, rollbackCmd, inspectCmd, schemaCmd)
}

func loadConfig() (*pkgconfig.Config, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewComponentLoggerFromConfig(common.ComponentRunner, cfg.Logging)
	logger.SetDefaultLogger(log)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics, log)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				log.Warnf("Failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("Metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	metrics.ComponentHealthSet(common.ComponentStore, true)

	src, err := newBlockSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	detector := reorg.NewDetector(
		cfg.Finality.ConfirmationDepth,
		src,
		logger.NewComponentLoggerFromConfig(common.ComponentReorgDetector, cfg.Logging),
	)

	handler := transfers.NewHandler(
		cfg.Source.AddressList(),
		logger.NewComponentLoggerFromConfig(common.ComponentTransfers, cfg.Logging),
	)

	r, err := runner.New(runner.Config{
		FromHeight:        cfg.Source.FromHeight,
		ConfirmationDepth: cfg.Finality.ConfirmationDepth,
		PollInterval:      cfg.Source.PollInterval.Duration,
		Batch: sequencer.Config{
			MaxBlocks:           cfg.Batch.MaxBlocks,
			MaxLatency:          cfg.Batch.MaxLatency.Duration,
			MaxFlushesPerSecond: cfg.Batch.MaxFlushesPerSecond,
		},
	}, src, detector, st, handler.Handle, log)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	log.Infow("starting indexer",
		"backend", cfg.Store.Backend,
		"from_height", cfg.Source.FromHeight,
		"confirmation_depth", cfg.Finality.ConfirmationDepth,
		"archive", cfg.Source.ArchiveURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexer halted: %w", err)
	}

	log.Info("indexer stopped successfully")
	return nil
}

// newBlockSource wires the archive gateway and the live node into one cursor.
func newBlockSource(ctx context.Context, cfg *pkgconfig.Config) (*source.Source, error) {
	filter := pkgsource.LogFilter{
		Addresses: cfg.Source.AddressList(),
		Topic0:    cfg.Source.TopicList(),
	}

	liveLog := logger.NewComponentLoggerFromConfig(common.ComponentLiveRPC, cfg.Logging)
	liveLog.Infof("Connecting to Ethereum node: %s", cfg.Source.RPCURL)
	client, err := rpc.NewClient(ctx, cfg.Source.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	metrics.ComponentHealthSet(common.ComponentLiveRPC, true)

	sourceLog := logger.NewComponentLoggerFromConfig(common.ComponentBlockSource, cfg.Logging)
	retrier := rpc.NewRetrier(
		cfg.Source.Retry,
		cfg.Source.RequestTimeout.Duration,
		cfg.Source.RequestsPerSecond,
		sourceLog,
	)

	live := rpc.NewLiveFeed(client, retrier, filter, liveLog)

	var archiveFeed source.ArchiveFeed
	if cfg.Source.ArchiveURL != "" {
		archiveFeed = archive.NewClient(
			cfg.Source.ArchiveURL,
			filter,
			nil,
			logger.NewComponentLoggerFromConfig(common.ComponentArchive, cfg.Logging),
		)
		metrics.ComponentHealthSet(common.ComponentArchive, true)
	}

	return source.New(source.Config{
		StartHeight:    cfg.Source.FromHeight,
		LiveChunkSize:  cfg.Source.LiveChunkSize,
		PrefetchChunks: cfg.Source.PrefetchChunks,
	}, archiveFeed, live, retrier, sourceLog), nil
}
