package jobs

import (
	"context"
	"log"
	"time"
)

// BundleRefresher は保存済みの配布物から新しい参照を再発行します。
type BundleRefresher interface {
	Refresh(ctx context.Context, job *JobRecord) (*Artifact, error)
}

// Service はポーリング・キャンセル・参照再発行の読み取り側の入口です。
type Service struct {
	store     StatusStore
	refresher BundleRefresher
	logger    *log.Logger
}

// NewService は Service を作成します。
func NewService(store StatusStore, refresher BundleRefresher, logger *log.Logger) *Service {
	return &Service{
		store:     store,
		refresher: refresher,
		logger:    logger,
	}
}

// Snapshot はジョブと全タスクの現在状態を返します。
// ジョブとタスクにまたがる原子性は保証しません（集約側が整合させます）。
func (s *Service) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, newError(CodeNotFound, "指定されたジョブは存在しません。", nil)
	}
	tasks, err := s.store.ListTasks(ctx, job)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Job: job, Tasks: tasks}, nil
}

// Cancel はジョブをキャンセルします。queued/processing からのみ有効で、
// 冪等です。既にキャンセル済みの場合は同じ結果を返し、枠の返却は行いません。
func (s *Service) Cancel(ctx context.Context, jobID string) (*JobRecord, error) {
	var transitioned bool
	job, err := s.store.UpdateJob(ctx, jobID, func(j *JobRecord, _ []*TaskRecord) error {
		transitioned = false
		switch j.Status {
		case JobCancelled:
			return errNoUpdate
		case JobCompleted, JobFailed:
			return newError(CodeInvalidState, "終了したジョブはキャンセルできません。", nil)
		}
		j.Status = JobCancelled
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, newError(CodeNotFound, "指定されたジョブは存在しません。", nil)
	}
	if transitioned {
		if err := s.store.ReleaseSlot(ctx, job.Submitter); err != nil && s.logger != nil {
			s.logger.Printf("failed to release slot submitter=%s: %v", job.Submitter, err)
		}
		if s.logger != nil {
			s.logger.Printf("job cancelled job=%s", jobID)
		}
	}
	return job, nil
}

// RefreshBundle は完了済みジョブの配布物参照を再発行し、レコードにも反映します。
func (s *Service) RefreshBundle(ctx context.Context, jobID string) (string, time.Time, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	if job == nil || job.Status != JobCompleted {
		return "", time.Time{}, newError(CodeNotFound, "完了済みのジョブが見つかりません。", nil)
	}

	bundle, err := s.refresher.Refresh(ctx, job)
	if err != nil {
		return "", time.Time{}, err
	}

	if _, err := s.store.UpdateJob(ctx, jobID, func(j *JobRecord, _ []*TaskRecord) error {
		if j.Status != JobCompleted {
			return errNoUpdate
		}
		j.BundleRef = bundle.Ref
		expires := bundle.RefExpiresAt
		j.BundleExpiresAt = &expires
		return nil
	}); err != nil {
		return "", time.Time{}, err
	}
	return bundle.Ref, bundle.RefExpiresAt, nil
}
