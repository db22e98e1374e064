// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APIKeys string // submitter:bcryptハッシュ をカンマ区切りで列挙

	// ジョブ受付制限
	MaxFilesPerJob     int // 1ジョブあたりの最大ファイル数
	MaxActiveJobs      int // submitterごとの同時実行中ジョブ上限
	JobExpireHours     int // ジョブ/タスク状態の保持期間（時間）
	JobDeadlineMinutes int // ジョブ全体の実時間上限（0で無効）
	DefaultTaskSeconds int // 履歴がない場合の1ファイルあたり想定処理時間（秒）

	// キュー/ワーカー設定
	QueueRedisURL      string // Asynq用Redis接続URL
	WorkerConcurrency  int    // 同時実行ワーカー数
	DispatchRateLimit  int    // レート制限ウィンドウあたりの最大ディスパッチ数
	DispatchRateWindow int    // レート制限ウィンドウ（秒）
	TaskTimeoutSeconds int    // 1タスクあたりの実行タイムアウト（秒）
	MaxTaskAttempts    int    // リトライを含む最大試行回数
	RetryBaseSeconds   int    // バックオフの基準遅延（秒、試行ごとに倍増）

	// オブジェクトストレージ設定
	StorageEndpoint  string // MinIO/S3互換エンドポイント
	StorageAccessKey string // アクセスキー
	StorageSecretKey string // シークレットキー
	StorageBucket    string // バケット名
	StorageUseSSL    bool   // TLSを使用するか
	RefExpireHours   int    // 署名付きURLの有効期間（時間）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		APIKeys: getEnv("API_KEYS", ""),

		MaxFilesPerJob:     getEnvAsInt("MAX_FILES_PER_JOB", 100),
		MaxActiveJobs:      getEnvAsInt("MAX_ACTIVE_JOBS", 3),
		JobExpireHours:     getEnvAsInt("JOB_EXPIRE_HOURS", 24),
		JobDeadlineMinutes: getEnvAsInt("JOB_DEADLINE_MINUTES", 0),
		DefaultTaskSeconds: getEnvAsInt("DEFAULT_TASK_SECONDS", 45),

		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		DispatchRateLimit:  getEnvAsInt("DISPATCH_RATE_LIMIT", 8),
		DispatchRateWindow: getEnvAsInt("DISPATCH_RATE_WINDOW_SECONDS", 1),
		TaskTimeoutSeconds: getEnvAsInt("TASK_TIMEOUT_SECONDS", 150),
		MaxTaskAttempts:    getEnvAsInt("MAX_TASK_ATTEMPTS", 3),
		RetryBaseSeconds:   getEnvAsInt("RETRY_BASE_SECONDS", 2),

		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", "127.0.0.1:9000"),
		StorageAccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", "bundle-forge"),
		StorageUseSSL:    getEnvAsBool("STORAGE_USE_SSL", false),
		RefExpireHours:   getEnvAsInt("REF_EXPIRE_HOURS", 24),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFilesPerJob <= 0 {
		return fmt.Errorf("MAX_FILES_PER_JOB must be positive")
	}
	if c.MaxActiveJobs <= 0 {
		return fmt.Errorf("MAX_ACTIVE_JOBS must be positive")
	}
	if c.MaxTaskAttempts <= 0 {
		return fmt.Errorf("MAX_TASK_ATTEMPTS must be positive")
	}

	// ローカル開発では認証・ストレージ設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.APIKeys == "" {
			return fmt.Errorf("API_KEYS is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.StorageAccessKey == "" || c.StorageSecretKey == "" {
			return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
