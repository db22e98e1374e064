package jobs

import (
	"context"
	"errors"
	"time"
)

// ClaimOutcome はタスクの獲得試行の結果です。
type ClaimOutcome int

const (
	// ClaimAcquired はタスクを獲得し processing に遷移したことを示します。
	ClaimAcquired ClaimOutcome = iota
	// ClaimSkipped はタスクが queued 以外の状態で、獲得できなかったことを示します。
	ClaimSkipped
	// ClaimJobInactive はジョブが終端状態（キャンセル等）または消滅しており、
	// タスクを開始してはならないことを示します。
	ClaimJobInactive
)

// errNoUpdate は UpdateJob の mutate が書き込み不要と判断したことを示します。
var errNoUpdate = errors.New("jobs: no update")

// StatusStore はジョブ/タスク状態の永続化層です。実装は以下を保証します:
//   - ClaimTask はジョブ状態の確認とタスクの queued→processing 遷移を
//     単一のアトミックな compare-and-set として行う
//   - UpdateJob は同一ジョブに対する更新を直列化する（楽観的リトライ可）
//   - レコードの有効期限は作成時に確定し、更新で延長されない
type StatusStore interface {
	// CreateJob はジョブと全タスクのレコードをまとめて作成します。
	CreateJob(ctx context.Context, job *JobRecord, tasks []*TaskRecord) error

	// GetJob はジョブを取得します。存在しない（期限切れ含む）場合は nil を返します。
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// GetTask はタスクを取得します。存在しない場合は nil を返します。
	GetTask(ctx context.Context, jobID, fileID string) (*TaskRecord, error)

	// ListTasks はジョブの全タスクをファイルID順で返します。
	ListTasks(ctx context.Context, job *JobRecord) ([]*TaskRecord, error)

	// ClaimTask はタスクの獲得を試みます。獲得時は attempts を加算し
	// startedAt を設定します。
	ClaimTask(ctx context.Context, jobID, fileID string) (ClaimOutcome, error)

	// UpdateTask はタスクを読み取り・変更・書き戻しします。
	UpdateTask(ctx context.Context, jobID, fileID string, mutate func(*TaskRecord)) (*TaskRecord, error)

	// UpdateJob はジョブと所属タスクを読み取り、mutate の変更を書き戻します。
	// mutate が errNoUpdate を返した場合は書き込みせず現在値を返します。
	// ジョブが存在しない場合は (nil, nil) を返します。
	UpdateJob(ctx context.Context, jobID string, mutate func(job *JobRecord, tasks []*TaskRecord) error) (*JobRecord, error)

	// AcquireSlot は submitter の実行中ジョブ枠を確保します。
	// 上限超過時は false を返し、カウンタは変化しません。
	AcquireSlot(ctx context.Context, submitter string, limit int) (bool, error)

	// ReleaseSlot は実行中ジョブ枠を1つ解放します。
	ReleaseSlot(ctx context.Context, submitter string) error

	// PushDeadLetter はリトライ上限に達したタスクの記録を保存します。
	PushDeadLetter(ctx context.Context, letter *DeadLetter) error

	// RecordTaskDuration は完了タスクの所要時間を統計に反映します。
	RecordTaskDuration(ctx context.Context, d time.Duration) error

	// AvgTaskDuration は1タスクあたりの平均所要時間を返します。履歴がない場合は 0 です。
	AvgTaskDuration(ctx context.Context) (time.Duration, error)
}
