package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeFile  = "file:process"
	fileQueueName = "files"
)

// taskPayload はファイル処理エントリのペイロードです。
type taskPayload struct {
	JobID  string `json:"jobId"`
	FileID string `json:"fileId"`
}

// Manager は Asynq のクライアント/サーバーを保持し、エントリの投入と
// ワーカーへの配送を担います。リトライは Dispatcher 側で制御するため、
// Asynq 自身のリトライは使用しません。
type Manager struct {
	client     *asynq.Client
	server     *asynq.Server
	mux        *asynq.ServeMux
	dispatcher *Dispatcher
	logger     *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, concurrency int, logger *log.Logger) (*Manager, error) {
	if redisURL == "" {
		return nil, errors.New("redisURL is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				fileQueueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		logger: logger,
	}
	mux.HandleFunc(taskTypeFile, manager.handleFileTask)
	return manager, nil
}

// Attach は配送先の Dispatcher を設定します。ワーカー起動前に呼び出します。
func (m *Manager) Attach(dispatcher *Dispatcher) {
	m.dispatcher = dispatcher
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// EnqueueTask はファイル処理エントリをキューに投入します。
// delay は最早ディスパッチ時刻までの待ち時間（リトライのバックオフ）です。
func (m *Manager) EnqueueTask(ctx context.Context, jobID, fileID string, delay time.Duration) error {
	body, err := json.Marshal(&taskPayload{JobID: jobID, FileID: fileID})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(fileQueueName),
		asynq.MaxRetry(0),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(taskTypeFile, body, opts...)
	_, err = m.client.EnqueueContext(ctx, task)
	return err
}

func (m *Manager) handleFileTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" || payload.FileID == "" {
		return fmt.Errorf("missing jobId or fileId in payload")
	}
	if m.dispatcher == nil {
		return errors.New("dispatcher is not attached")
	}

	if err := m.dispatcher.HandleTask(ctx, payload.JobID, payload.FileID); err != nil {
		if m.logger != nil {
			m.logger.Printf("failed to handle task job=%s file=%s: %v", payload.JobID, payload.FileID, err)
		}
		return err
	}
	return nil
}
