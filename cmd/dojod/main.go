// Dojod is the studio daemon: rollout execution, run orchestration,
// telemetry ingestion, and analyses over one HTTP surface.
package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/analysis"
	"github.com/dojoworks/dojo/internal/blob"
	"github.com/dojoworks/dojo/internal/cache"
	"github.com/dojoworks/dojo/internal/compute"
	"github.com/dojoworks/dojo/internal/config"
	"github.com/dojoworks/dojo/internal/ingest"
	"github.com/dojoworks/dojo/internal/orchestrator"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/rollout"
	"github.com/dojoworks/dojo/internal/server"
	"github.com/dojoworks/dojo/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	caches, err := cache.New()
	if err != nil {
		logger.Fatal("init caches", zap.Error(err))
	}

	store := newStorage(ctx, cfg, caches, logger)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	}()

	blobs := newBlobs(ctx, cfg, logger)

	journal, err := ingest.NewJournal(cfg.JournalPath())
	if err != nil {
		logger.Fatal("open ingest journal", zap.String("path", cfg.JournalPath()), zap.Error(err))
	}
	defer journal.Close()

	ing := ingest.New(journal, store, ingest.Options{}, logger.Named("ingest"))
	ing.Start(ctx)
	defer ing.Stop()

	signer := ingest.NewTokenSigner(signingKey(cfg, logger))

	backend := newCompute(cfg, logger)
	orch := orchestrator.New(backend, store, ing, signer, orchestrator.Options{
		CallbackURL:  cfg.CallbackURL(),
		StorageURL:   cfg.Storage.URL,
		PollInterval: cfg.PollInterval(),
		MaxWorkers:   int64(cfg.Runs.MaxWorkers),
	}, logger.Named("orchestrator"))
	defer orch.Shutdown()

	sched := orchestrator.NewScheduler(store, orch, logger.Named("scheduler"))
	sched.Start(ctx)
	defer sched.Stop()

	loader := policy.NewLoader(modelFetcher(blobs), modelResolver(), logger.Named("models"))

	server.Version = version
	srv := server.New(server.Deps{
		Engine:   rollout.NewEngine(caches, cfg.Runs.MaxWorkers, logger.Named("rollout")),
		Loader:   loader,
		Analysis: analysis.New(caches, logger.Named("analysis")),
		Orch:     orch,
		Sched:    sched,
		Ingest:   ing,
		Signer:   signer,
		Store:    store,
		Blobs:    blobs,
	}, cfg.AllowedOrigins, logger.Named("http"))

	logger.Info("dojod starting",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("compute", backend.Name()))

	if err := srv.Start(ctx, cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("dojod stopped")
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// newStorage selects the document store backend, falling back to the
// in-memory store when the configured one cannot be reached.
func newStorage(ctx context.Context, cfg config.Config, caches *cache.Store, logger *zap.Logger) storage.Client {
	var inner storage.Client
	switch cfg.Storage.Backend {
	case "convex":
		if cfg.Storage.URL == "" {
			logger.Warn("convex backend selected without a deployment URL, falling back to in-memory")
			inner = storage.NewMemory()
			break
		}
		inner = storage.NewConvex(cfg.Storage.URL, logger.Named("convex"))
	case "mongo":
		mongo, err := storage.NewMongo(ctx, cfg.Storage.MongoURI, "dojo", logger.Named("mongo"))
		if err != nil {
			logger.Warn("cannot reach mongo, falling back to in-memory", zap.Error(err))
			inner = storage.NewMemory()
			break
		}
		inner = mongo
	case "memory", "":
		inner = storage.NewMemory()
	default:
		logger.Warn("unknown storage backend, falling back to in-memory",
			zap.String("backend", cfg.Storage.Backend))
		inner = storage.NewMemory()
	}
	return storage.NewCached(inner, caches)
}

// newBlobs selects the blob store backend, falling back to the local
// filesystem when S3 is unavailable.
func newBlobs(ctx context.Context, cfg config.Config, logger *zap.Logger) blob.Store {
	if cfg.Blob.Backend == "s3" {
		s3, err := blob.NewS3(ctx, cfg.Blob.Bucket, logger.Named("s3"))
		if err == nil {
			return s3
		}
		logger.Warn("cannot configure s3 blob store, falling back to filesystem", zap.Error(err))
	}
	fs, err := blob.NewFS(cfg.BlobDir(), logger.Named("blobs"))
	if err != nil {
		logger.Fatal("open blob dir", zap.String("dir", cfg.BlobDir()), zap.Error(err))
	}
	return fs
}

func newCompute(cfg config.Config, logger *zap.Logger) compute.Backend {
	if cfg.Compute.Backend == "fake" {
		logger.Warn("using the in-memory fake compute backend; runs will not leave this process")
		return compute.NewFake()
	}
	return compute.NewSky(cfg.Compute.SkyBin, logger.Named("sky"))
}

// signingKey returns the worker token key, generating an ephemeral one
// when none is configured. Ephemeral keys invalidate worker callbacks
// across restarts, so production deployments should pin one.
func signingKey(cfg config.Config, logger *zap.Logger) []byte {
	if cfg.WorkerTokenKey != "" {
		return []byte(cfg.WorkerTokenKey)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logger.Fatal("generate signing key", zap.Error(err))
	}
	logger.Warn("no worker token key configured, generated an ephemeral one",
		zap.String("key_prefix", hex.EncodeToString(key[:4])))
	return key
}

// modelFetcher loads trained model documents from an HTTP URL or a blob
// key, transparently gunzipping compressed checkpoints.
func modelFetcher(blobs blob.Store) policy.FetchFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, url string) ([]byte, error) {
		var raw []byte
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("fetch model: status %d", resp.StatusCode)
			}
			raw, err = io.ReadAll(io.LimitReader(resp.Body, 64<<20))
			if err != nil {
				return nil, err
			}
		} else {
			data, err := blobs.Get(ctx, url)
			if err != nil {
				return nil, err
			}
			raw = data
		}
		return maybeGunzip(raw)
	}
}

// modelResolver maps a runId onto the blob key of its checkpoint.
func modelResolver() policy.ResolveFunc {
	return func(_ context.Context, runID string) (string, error) {
		return blob.ModelKey(runID), nil
	}
}

func maybeGunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
