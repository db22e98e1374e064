// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/bundle-forge/internal/auth"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-Submitter",
		"X-API-Key",
	}
	router.Use(cors.New(corsConfig))

	// ジョブエンジンの組み立て
	eng, err := setupEngine(context.Background(), cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to setup job engine: %v", err)
	}

	// ルーティングの設定
	if err := setupRoutes(router, cfg, eng); err != nil {
		log.Fatalf("Failed to setup routes: %v", err)
	}

	// ワーカーの起動
	eng.manager.StartWorkers()

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, eng *engine) error {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(eng))

	keyring, err := auth.ParseKeyring(cfg.APIKeys)
	if err != nil {
		return err
	}

	api := router.Group("/api")
	api.Use(keyring.Middleware())
	{
		api.POST("/jobs", jobs.SubmitHandler(eng.gate))
		api.GET("/jobs/:id", jobs.StatusHandler(eng.service))
		api.DELETE("/jobs/:id", jobs.CancelHandler(eng.service))
		api.POST("/jobs/:id/bundle/refresh", jobs.RefreshHandler(eng.service))
	}
	return nil
}
