package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getcharzp/go-cutout/internal/fetch"
	"github.com/getcharzp/go-cutout/internal/ledger"
	"github.com/getcharzp/go-cutout/internal/logger"
	"github.com/getcharzp/go-cutout/internal/metrics"
	"github.com/getcharzp/go-cutout/internal/quota"
	"github.com/getcharzp/go-cutout/internal/server"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the HTTP service exposing /api/sam2/apply-mask, /api/sam2/segment,
/api/sam2/encode, /api/sam2/history, /health, /version and /metrics.

The decoder is loaded at startup. When ONNX Runtime or the model is unavailable
the service still starts and the segment endpoint answers 503.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.L
	log.Info("starting cutout server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := store.NewLocalBlobStore(cfg.Storage.BlobDir, cfg.Storage.PublicURL)
	if err != nil {
		return err
	}

	gate := quota.NewGate(st, cfg.Quota.FreeMonthlyLimit, cfg.Quota.PaidPlans)
	gate.OnCountError = func(userID string, err error) {
		log.Warn("error checking usage, treating as zero", zap.String("user_id", userID), zap.Error(err))
	}

	usage, closeLedger := openLedger(ctx, log)
	defer closeLedger()

	deps := server.Deps{
		Auth:           server.NewAuthenticator(st, cfg.Auth.JWTSecret),
		Limiter:        server.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		Profiles:       st,
		Records:        st,
		Blobs:          blobs,
		Fetcher:        fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes),
		Gate:           gate,
		Ledger:         usage,
		Metrics:        metrics.New(),
		Logger:         log,
		Build:          buildInfo(),
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,

		MaxFeatherRadius: cfg.Server.MaxFeatherRadius,
		MaxPixels:        cfg.Fetch.MaxPixels,
	}
	if cfg.Storage.PublicURL == "/files" {
		deps.FilesDir = blobs.Root()
	}

	rt, err := openRuntime()
	if err != nil {
		log.Warn("onnx runtime unavailable, segment and encode disabled", zap.Error(err))
	} else {
		defer rt.Destroy()

		dec := sam2.NewDecoder(rt, cfg.DecoderConfig())
		defer dec.Dispose()
		if err := dec.Initialize(ctx); err != nil {
			log.Warn("sam2 decoder failed to load", zap.Error(err))
		} else {
			log.Info("sam2 decoder ready", zap.String("provider", dec.Provider().String()))
		}
		deps.Segmenter = dec

		if ec, ok := cfg.EncoderConfig(); ok {
			enc := sam2.NewEncoder(rt, ec)
			defer enc.Dispose()
			if err := enc.Initialize(ctx); err != nil {
				log.Warn("sam2 encoder failed to load", zap.Error(err))
			} else {
				log.Info("sam2 encoder ready")
			}
			deps.Encoder = enc
		}
	}

	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openLedger redis 未启用或不可达时退回 Nop
func openLedger(ctx context.Context, log *zap.Logger) (server.Ledger, func()) {
	if !cfg.Redis.Enabled {
		return ledger.Nop{}, func() {}
	}
	l := ledger.New(ledger.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		log.Warn("redis connection failed, usage ledger disabled", zap.Error(err))
		_ = l.Close()
		return ledger.Nop{}, func() {}
	}
	log.Info("redis connected successfully")
	return l, func() { _ = l.Close() }
}
