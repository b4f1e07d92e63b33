package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/dropshare/internal/blobstore"
	"github.com/maneesh/dropshare/internal/config"
	"github.com/maneesh/dropshare/internal/handlers"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/storage"
	"github.com/maneesh/dropshare/internal/sweeper"
	"github.com/maneesh/dropshare/internal/tracing"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.uber.org/zap"
)

// metadata bundles the stores behind the selected metadata backend.
type metadata struct {
	files  transfer.FileStore
	ledger transfer.Ledger
	cache  transfer.MetadataCache
	drops  handlers.DropStore
	close  func()
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting dropshare service",
		zap.String("service", cfg.ServiceName),
		zap.String("port", cfg.ServicePort),
		zap.String("metadata_backend", cfg.MetadataBackend),
		zap.String("blob_backend", cfg.BlobBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	if cfg.TracingEnabled {
		shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint)
		if err != nil {
			logger.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("error shutting down tracer", zap.Error(err))
			}
		}()
	}

	meta, err := openMetadata(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize metadata stores", zap.Error(err))
	}
	defer meta.close()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize blob store", zap.Error(err))
	}

	service := transfer.NewService(meta.files, meta.ledger, blobs, meta.cache, transfer.Options{
		ChunkSize:        cfg.GetChunkSizeBytes(),
		DirectUploadMax:  cfg.GetDirectUploadMaxBytes(),
		FetchConcurrency: cfg.FetchConcurrency,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Service:   service,
		Drops:     meta.drops,
		MaxUpload: cfg.GetMaxUploadBytes(),
	})

	go sweeper.New(service, cfg.SweepInterval, cfg.SweepBatch).Run(ctx)

	// Large files are buffered and pushed chunk by chunk, so uploads and
	// downloads get generous timeouts.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.ServicePort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func openMetadata(ctx context.Context, cfg *config.Config) (*metadata, error) {
	if cfg.MetadataBackend == config.BackendMemory {
		logger.Warn("using in-memory metadata; records are lost on restart")
		ms := storage.NewMemoryStore()
		return &metadata{files: ms, ledger: ms, drops: ms, close: func() {}}, nil
	}

	logger.Info("connecting to MySQL", zap.String("host", cfg.DBHost), zap.String("database", cfg.DBName))
	mysqlClient, err := storage.NewMySQLClient(cfg.GetDSN())
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		if err := mysqlClient.Migrate(); err != nil {
			mysqlClient.Close()
			return nil, err
		}
	}

	logger.Info("connecting to Redis", zap.String("addr", cfg.GetRedisAddr()))
	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		mysqlClient.Close()
		return nil, err
	}

	return &metadata{
		files:  mysqlClient,
		ledger: mysqlClient,
		cache:  redisClient,
		drops:  redisClient,
		close: func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("error closing Redis", zap.Error(err))
			}
			if err := mysqlClient.Close(); err != nil {
				logger.Warn("error closing MySQL", zap.Error(err))
			}
		},
	}, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case config.BackendTelegram:
		return blobstore.NewTelegramClient(cfg.TelegramAPIURL, cfg.TelegramBotToken, cfg.TelegramChannelID, cfg.TelegramTimeout)
	case config.BackendMinIO:
		logger.Info("connecting to MinIO", zap.String("endpoint", cfg.MinIOEndpoint))
		return blobstore.NewMinioClient(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
			cfg.PresignTTL,
		)
	case config.BackendMemory:
		logger.Warn("using in-memory blob store; file contents are lost on restart")
		return blobstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
