package jobs

import (
	"context"
	"fmt"
	"log"
	"time"
)

// BundleAssembler は完了ジョブの成果物を1つの配布物に結合します。
type BundleAssembler interface {
	Assemble(ctx context.Context, job *JobRecord, tasks []*TaskRecord) (ref *Artifact, err error)
}

// Aggregator はタスクの終端遷移を受けてジョブ進捗を再計算します。
// 更新はジョブキー単位で直列化されるため、同時報告で完了数が失われることはありません。
type Aggregator struct {
	store     StatusStore
	assembler BundleAssembler
	logger    *log.Logger
	now       func() time.Time
}

// NewAggregator は Aggregator を作成します。
func NewAggregator(store StatusStore, assembler BundleAssembler, logger *log.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		assembler: assembler,
		logger:    logger,
		now:       time.Now,
	}
}

// TaskFinished はタスクの終端遷移後に呼ばれ、全タスクを走査して進捗を再計算します。
// 全タスクが completed なら結合処理を開始し、ジョブの completed 遷移は
// 結合の成功まで保留します。失敗タスクがあればジョブを failed にします。
func (a *Aggregator) TaskFinished(ctx context.Context, jobID string) error {
	var launchBundle bool
	var becameFailed bool

	job, err := a.store.UpdateJob(ctx, jobID, func(job *JobRecord, tasks []*TaskRecord) error {
		launchBundle = false
		becameFailed = false
		if job.Status.Terminal() {
			return errNoUpdate
		}

		completed, failed, terminal := 0, 0, 0
		for _, task := range tasks {
			switch task.Status {
			case TaskCompleted:
				completed++
				terminal++
			case TaskFailed:
				failed++
				terminal++
			}
		}
		job.Progress = computeProgress(completed, len(job.FileIDs))

		switch {
		case terminal == len(tasks) && failed > 0:
			job.Status = JobFailed
			job.Error = &ErrorInfo{
				Code:    CodeTasksFailed,
				Message: fmt.Sprintf("%d/%d ファイルの処理に失敗しました。", failed, len(tasks)),
			}
			becameFailed = true
		case terminal == len(tasks):
			if job.Bundling {
				return errNoUpdate
			}
			job.Bundling = true
			job.Status = JobProcessing
			launchBundle = true
		default:
			job.Status = JobProcessing
		}
		return nil
	})
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if becameFailed {
		a.releaseSlot(ctx, job.Submitter)
		return nil
	}
	if launchBundle {
		return a.assemble(ctx, job)
	}
	return nil
}

// ForceTimeout はジョブの実時間上限超過を確定失敗として記録します。
func (a *Aggregator) ForceTimeout(ctx context.Context, jobID string) error {
	var transitioned bool
	job, err := a.store.UpdateJob(ctx, jobID, func(job *JobRecord, _ []*TaskRecord) error {
		transitioned = false
		if job.Status.Terminal() {
			return errNoUpdate
		}
		job.Status = JobFailed
		job.Error = &ErrorInfo{Code: CodeTimeout, Message: "ジョブが実行時間の上限を超えました。"}
		transitioned = true
		return nil
	})
	if err != nil {
		return err
	}
	if job != nil && transitioned {
		a.releaseSlot(ctx, job.Submitter)
		if a.logger != nil {
			a.logger.Printf("job timed out job=%s", jobID)
		}
	}
	return nil
}

// assemble は結合処理を実行し、成功した場合のみジョブを completed にします。
// 結合の失敗はジョブの failed として確定し、自動リトライしません。
func (a *Aggregator) assemble(ctx context.Context, job *JobRecord) error {
	tasks, err := a.store.ListTasks(ctx, job)
	if err != nil {
		return a.failAssembly(ctx, job.JobID, err)
	}

	bundle, err := a.assembler.Assemble(ctx, job, tasks)
	if err != nil {
		return a.failAssembly(ctx, job.JobID, err)
	}

	var transitioned bool
	updated, err := a.store.UpdateJob(ctx, job.JobID, func(j *JobRecord, _ []*TaskRecord) error {
		transitioned = false
		if j.Status.Terminal() {
			return errNoUpdate
		}
		now := a.now().UTC()
		j.Status = JobCompleted
		j.CompletedAt = &now
		j.BundleKey = bundle.Key
		j.BundleRef = bundle.Ref
		expires := bundle.RefExpiresAt
		j.BundleExpiresAt = &expires
		j.Error = nil
		j.Bundling = false
		transitioned = true
		return nil
	})
	if err != nil {
		return err
	}
	if updated != nil && transitioned {
		a.releaseSlot(ctx, updated.Submitter)
	}
	return nil
}

func (a *Aggregator) failAssembly(ctx context.Context, jobID string, cause error) error {
	if a.logger != nil {
		a.logger.Printf("bundle assembly failed job=%s: %v", jobID, cause)
	}
	var transitioned bool
	job, err := a.store.UpdateJob(ctx, jobID, func(j *JobRecord, _ []*TaskRecord) error {
		transitioned = false
		if j.Status.Terminal() {
			return errNoUpdate
		}
		j.Status = JobFailed
		j.Error = &ErrorInfo{Code: CodeInternal, Message: "成果物の結合に失敗しました。"}
		j.Bundling = false
		transitioned = true
		return nil
	})
	if err != nil {
		return err
	}
	if job != nil && transitioned {
		a.releaseSlot(ctx, job.Submitter)
	}
	return nil
}

func (a *Aggregator) releaseSlot(ctx context.Context, submitter string) {
	if err := a.store.ReleaseSlot(ctx, submitter); err != nil && a.logger != nil {
		a.logger.Printf("failed to release slot submitter=%s: %v", submitter, err)
	}
}
