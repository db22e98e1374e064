package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// TaskQueue はタスクのディスパッチ予約を受け付けます。
// delay は最早ディスパッチ時刻（バックオフ）までの待ち時間です。
type TaskQueue interface {
	EnqueueTask(ctx context.Context, jobID, fileID string, delay time.Duration) error
}

// GateConfig は受付時の制限値です。
type GateConfig struct {
	MaxFilesPerJob  int
	MaxActiveJobs   int
	RetentionTTL    time.Duration
	DefaultTaskTime time.Duration
}

// Gate はジョブの受付を担います。検証・クォータ確認を通過した場合のみ
// レコードを作成するため、不正な受付が部分的な状態を残すことはありません。
type Gate struct {
	store  StatusStore
	queue  TaskQueue
	cfg    GateConfig
	logger *log.Logger
	now    func() time.Time
}

// NewGate は Gate を作成します。
func NewGate(store StatusStore, queue TaskQueue, cfg GateConfig, logger *log.Logger) *Gate {
	return &Gate{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Submit はジョブを受け付けます。ジョブと全タスクのレコードを作成し、
// タスクごとにディスパッチを予約して、受付結果を即座に返します。
func (g *Gate) Submit(ctx context.Context, submitter string, fileIDs []string) (*SubmitResult, error) {
	if submitter == "" {
		return nil, newError(CodeInvalidRequest, "submitter を特定できません。", nil)
	}
	if len(fileIDs) == 0 {
		return nil, newError(CodeInvalidRequest, "fileIds を1件以上指定してください。", nil)
	}
	if len(fileIDs) > g.cfg.MaxFilesPerJob {
		return nil, newError(CodeInvalidRequest,
			fmt.Sprintf("fileIds は最大 %d 件まで指定できます。", g.cfg.MaxFilesPerJob), nil)
	}
	seen := make(map[string]struct{}, len(fileIDs))
	for _, fileID := range fileIDs {
		if fileID == "" {
			return nil, newError(CodeInvalidRequest, "fileIds に空の値が含まれています。", nil)
		}
		if _, ok := seen[fileID]; ok {
			return nil, newError(CodeInvalidRequest,
				fmt.Sprintf("fileId %s が重複しています。", fileID), nil)
		}
		seen[fileID] = struct{}{}
	}

	acquired, err := g.store.AcquireSlot(ctx, submitter, g.cfg.MaxActiveJobs)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, newError(CodeQuotaExceeded,
			fmt.Sprintf("実行中ジョブが上限（%d件）に達しています。", g.cfg.MaxActiveJobs), nil)
	}

	now := g.now().UTC()
	expiresAt := now.Add(g.cfg.RetentionTTL)
	job := &JobRecord{
		JobID:     uuid.NewString(),
		Submitter: submitter,
		FileIDs:   append([]string(nil), fileIDs...),
		Status:    JobQueued,
		Progress:  computeProgress(0, len(fileIDs)),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	tasks := make([]*TaskRecord, len(fileIDs))
	for i, fileID := range fileIDs {
		tasks[i] = &TaskRecord{
			JobID:     job.JobID,
			FileID:    fileID,
			Status:    TaskQueued,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expiresAt,
		}
	}

	if err := g.store.CreateJob(ctx, job, tasks); err != nil {
		if releaseErr := g.store.ReleaseSlot(ctx, submitter); releaseErr != nil && g.logger != nil {
			g.logger.Printf("failed to release slot submitter=%s: %v", submitter, releaseErr)
		}
		return nil, err
	}

	for _, task := range tasks {
		if err := g.queue.EnqueueTask(ctx, task.JobID, task.FileID, 0); err != nil {
			g.abortJob(ctx, job, err)
			return nil, newError(CodeInternal, "ジョブの投入に失敗しました。", err)
		}
	}

	return &SubmitResult{
		JobID:               job.JobID,
		Status:              job.Status,
		TotalFiles:          len(fileIDs),
		EstimatedCompletion: g.estimateCompletion(ctx, now, len(fileIDs)),
	}, nil
}

// abortJob は投入失敗したジョブを failed にし、クォータ枠を返却します。
func (g *Gate) abortJob(ctx context.Context, job *JobRecord, cause error) {
	if g.logger != nil {
		g.logger.Printf("failed to enqueue tasks job=%s: %v", job.JobID, cause)
	}
	_, err := g.store.UpdateJob(ctx, job.JobID, func(j *JobRecord, _ []*TaskRecord) error {
		if j.Status.Terminal() {
			return errNoUpdate
		}
		j.Status = JobFailed
		j.Error = &ErrorInfo{Code: CodeInternal, Message: "ジョブの投入に失敗しました。"}
		return nil
	})
	if err != nil && g.logger != nil {
		g.logger.Printf("failed to mark aborted job=%s: %v", job.JobID, err)
	}
	if err := g.store.ReleaseSlot(ctx, job.Submitter); err != nil && g.logger != nil {
		g.logger.Printf("failed to release slot submitter=%s: %v", job.Submitter, err)
	}
}

// estimateCompletion は直近の平均処理時間から完了予想時刻を見積もります。
func (g *Gate) estimateCompletion(ctx context.Context, now time.Time, total int) time.Time {
	avg, err := g.store.AvgTaskDuration(ctx)
	if err != nil || avg <= 0 {
		avg = g.cfg.DefaultTaskTime
	}
	return now.Add(avg * time.Duration(total))
}
