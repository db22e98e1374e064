package jobs

import (
	"context"
	"log"
	"time"
)

// Processor は1タスク分の処理を実行し、成果物への参照を返します。
// 失敗時は発生箇所で分類された *TaskError を返します。リトライ判断は行いません。
type Processor interface {
	Process(ctx context.Context, jobID, fileID string) (*Artifact, error)
}

// throttleDelay は流量制限に達したエントリを再予約するまでの待ち時間です。
const throttleDelay = 500 * time.Millisecond

// DispatcherConfig はディスパッチ/リトライの設定です。
type DispatcherConfig struct {
	MaxAttempts int           // リトライを含む最大試行回数
	RetryBase   time.Duration // バックオフ基準遅延（試行ごとに倍増）
	TaskTimeout time.Duration // 1タスクの実行タイムアウト
	JobDeadline time.Duration // ジョブ全体の実時間上限（0で無効）
}

// Dispatcher はキューから届いたエントリの獲得・実行・リトライ判断を行います。
type Dispatcher struct {
	store      StatusStore
	queue      TaskQueue
	limiter    DispatchLimiter
	processor  Processor
	aggregator *Aggregator
	cfg        DispatcherConfig
	logger     *log.Logger
	now        func() time.Time
}

// NewDispatcher は Dispatcher を作成します。limiter は nil の場合無効です。
func NewDispatcher(store StatusStore, queue TaskQueue, limiter DispatchLimiter, processor Processor, aggregator *Aggregator, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		queue:      queue,
		limiter:    limiter,
		processor:  processor,
		aggregator: aggregator,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleTask は1エントリを処理します。獲得できないエントリは副作用なく破棄します。
func (d *Dispatcher) HandleTask(ctx context.Context, jobID, fileID string) error {
	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx)
		if err != nil {
			return err
		}
		if !allowed {
			return d.queue.EnqueueTask(ctx, jobID, fileID, throttleDelay)
		}
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}

	if d.cfg.JobDeadline > 0 && d.now().UTC().After(job.CreatedAt.Add(d.cfg.JobDeadline)) {
		return d.aggregator.ForceTimeout(ctx, jobID)
	}

	outcome, err := d.store.ClaimTask(ctx, jobID, fileID)
	if err != nil {
		return err
	}
	if outcome != ClaimAcquired {
		return nil
	}

	start := d.now()
	artifact, runErr := d.runTask(ctx, jobID, fileID)
	if runErr != nil {
		return d.handleFailure(ctx, jobID, fileID, asTaskError(runErr))
	}

	if err := d.store.RecordTaskDuration(ctx, d.now().Sub(start)); err != nil && d.logger != nil {
		d.logger.Printf("failed to record task duration job=%s file=%s: %v", jobID, fileID, err)
	}

	now := d.now().UTC()
	if _, err := d.store.UpdateTask(ctx, jobID, fileID, func(task *TaskRecord) {
		task.Status = TaskCompleted
		task.CompletedAt = &now
		task.ArtifactKey = artifact.Key
		task.ArtifactRef = artifact.Ref
		task.Error = nil
	}); err != nil {
		return err
	}
	return d.aggregator.TaskFinished(ctx, jobID)
}

// runTask はタイムアウト付きでタスク処理を実行します。
// 中断可能な操作は処理本体と成果物の保存のみです。
func (d *Dispatcher) runTask(ctx context.Context, jobID, fileID string) (*Artifact, error) {
	runCtx := ctx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}
	return d.processor.Process(runCtx, jobID, fileID)
}

// handleFailure は失敗分類と試行回数からリトライか確定失敗かを決めます。
func (d *Dispatcher) handleFailure(ctx context.Context, jobID, fileID string, taskErr *TaskError) error {
	task, err := d.store.GetTask(ctx, jobID, fileID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	budgetLeft := taskErr.Kind.Retryable() && task.Attempts < d.cfg.MaxAttempts
	if budgetLeft {
		// キャンセル済みジョブには新たなリトライを予約しない。
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job != nil && !job.Status.Terminal() {
			if _, err := d.store.UpdateTask(ctx, jobID, fileID, func(t *TaskRecord) {
				t.Status = TaskQueued
				t.Error = taskErr.info()
			}); err != nil {
				return err
			}
			return d.queue.EnqueueTask(ctx, jobID, fileID, d.backoff(task.Attempts))
		}
	}

	now := d.now().UTC()
	if _, err := d.store.UpdateTask(ctx, jobID, fileID, func(t *TaskRecord) {
		t.Status = TaskFailed
		t.CompletedAt = &now
		t.Error = taskErr.info()
	}); err != nil {
		return err
	}

	// デッドレターはリトライ予算を使い切ったタスクと即時確定の失敗のみが対象。
	// ジョブ側のキャンセルで打ち切られたタスクは記録しない。
	if !budgetLeft {
		letter := &DeadLetter{
			JobID:    jobID,
			FileID:   fileID,
			Attempts: task.Attempts,
			Error:    *taskErr.info(),
			FailedAt: now,
		}
		if err := d.store.PushDeadLetter(ctx, letter); err != nil {
			return err
		}
		if d.logger != nil {
			d.logger.Printf("task dead-lettered job=%s file=%s attempts=%d kind=%s", jobID, fileID, task.Attempts, taskErr.Kind)
		}
	}
	return d.aggregator.TaskFinished(ctx, jobID)
}

// backoff は試行回数に応じた指数バックオフを返します。
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBase
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
