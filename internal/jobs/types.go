// Package jobs はバッチジョブの受付・ディスパッチ・状態管理機能を提供します。
package jobs

import (
	"math"
	"time"
)

// JobStatus はジョブの実行状態を表します。
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal は終端状態かどうかを返します。終端状態からの遷移は許可されません。
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// TaskStatus はファイル単位タスクの実行状態を表します。
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Progress はジョブの進捗を表します。
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

func computeProgress(completed, total int) Progress {
	p := Progress{Completed: completed, Total: total}
	if total > 0 {
		p.Percentage = int(math.Round(float64(completed) * 100 / float64(total)))
	}
	return p
}

// ErrorInfo はジョブ/タスク失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobRecord はジョブの現在状態を表します。
type JobRecord struct {
	JobID           string     `json:"jobId"`
	Submitter       string     `json:"submitter"`
	FileIDs         []string   `json:"fileIds"`
	Status          JobStatus  `json:"status"`
	Progress        Progress   `json:"progress"`
	BundleKey       string     `json:"bundleKey,omitempty"`
	BundleRef       string     `json:"bundleRef,omitempty"`
	BundleExpiresAt *time.Time `json:"bundleExpiresAt,omitempty"`
	Error           *ErrorInfo `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ExpiresAt       time.Time  `json:"expiresAt"`

	// Bundling は成果物の結合処理が開始済みであることを示します。
	// 最後のタスク完了が同時に複数報告されても結合が一度しか走らないようにします。
	Bundling bool `json:"bundling,omitempty"`
}

// TaskRecord はジョブ内の1ファイルに対する処理状態を表します。
type TaskRecord struct {
	JobID       string     `json:"jobId"`
	FileID      string     `json:"fileId"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ArtifactKey string     `json:"artifactKey,omitempty"`
	ArtifactRef string     `json:"artifactRef,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Artifact は1ファイルの処理成果物への参照を表します。
type Artifact struct {
	Key          string
	Ref          string
	RefExpiresAt time.Time
}

// DeadLetter はリトライ上限に達したタスクの記録です。
// ジョブ本体の保持期限とは独立に、運用調査のために保持されます。
type DeadLetter struct {
	JobID    string    `json:"jobId"`
	FileID   string    `json:"fileId"`
	Attempts int       `json:"attempts"`
	Error    ErrorInfo `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Snapshot はポーリング用の読み取り専用ビューです。
type Snapshot struct {
	Job   *JobRecord
	Tasks []*TaskRecord
}

// SubmitResult はジョブ受付時のレスポンスです。
type SubmitResult struct {
	JobID               string    `json:"jobId"`
	Status              JobStatus `json:"status"`
	TotalFiles          int       `json:"totalFiles"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}
