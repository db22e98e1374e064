package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/bundle-forge/internal/bundle"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/jobs"
	"github.com/yourusername/bundle-forge/internal/pdf"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// engine はジョブエンジンを構成するコンポーネント一式です。
type engine struct {
	rdb      *redis.Client
	objStore *storage.Store
	manager  *jobs.Manager
	gate     *jobs.Gate
	service  *jobs.Service
}

// setupEngine は設定から全コンポーネントを組み立てます。
func setupEngine(ctx context.Context, cfg *config.Config, logger *log.Logger) (*engine, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	retention := time.Duration(cfg.JobExpireHours) * time.Hour
	statusStore := jobs.NewRedisStore(rdb, retention)

	objStore, err := storage.New(ctx, &storage.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
		RefTTL:    time.Duration(cfg.RefExpireHours) * time.Hour,
	})
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg.QueueRedisURL, cfg.WorkerConcurrency, logger)
	if err != nil {
		return nil, err
	}

	limiter := jobs.NewRedisRateLimiter(rdb, cfg.DispatchRateLimit,
		time.Duration(cfg.DispatchRateWindow)*time.Second)
	processor := pdf.NewService(objStore, logger)
	assembler := bundle.NewAssembler(objStore, logger)
	aggregator := jobs.NewAggregator(statusStore, assembler, logger)

	dispatcher := jobs.NewDispatcher(statusStore, manager, limiter, processor, aggregator,
		jobs.DispatcherConfig{
			MaxAttempts: cfg.MaxTaskAttempts,
			RetryBase:   time.Duration(cfg.RetryBaseSeconds) * time.Second,
			TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
			JobDeadline: time.Duration(cfg.JobDeadlineMinutes) * time.Minute,
		}, logger)
	manager.Attach(dispatcher)

	gate := jobs.NewGate(statusStore, manager, jobs.GateConfig{
		MaxFilesPerJob:  cfg.MaxFilesPerJob,
		MaxActiveJobs:   cfg.MaxActiveJobs,
		RetentionTTL:    retention,
		DefaultTaskTime: time.Duration(cfg.DefaultTaskSeconds) * time.Second,
	}, logger)

	service := jobs.NewService(statusStore, assembler, logger)

	return &engine{
		rdb:      rdb,
		objStore: objStore,
		manager:  manager,
		gate:     gate,
		service:  service,
	}, nil
}

// healthHandler は依存先への到達性を含めた readiness を返します。
func healthHandler(eng *engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := eng.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"reason": "redis unreachable",
			})
			return
		}
		if err := eng.objStore.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"reason": "object storage unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "bundle-forge-api",
			"version": "0.1.0",
		})
	}
}
