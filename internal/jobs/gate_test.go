package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestGate(store *memStore, queue *stubQueue) *Gate {
	return NewGate(store, queue, GateConfig{
		MaxFilesPerJob:  100,
		MaxActiveJobs:   3,
		RetentionTTL:    24 * time.Hour,
		DefaultTaskTime: 30 * time.Second,
	}, nil)
}

func TestSubmitCreatesJobAndTasks(t *testing.T) {
	store := newMemStore()
	queue := &stubQueue{}
	gate := newTestGate(store, queue)

	result, err := gate.Submit(context.Background(), "user-1", []string{"f1", "f2", "f3"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.JobID == "" {
		t.Error("Expected non-empty jobId")
	}
	if result.Status != JobQueued {
		t.Errorf("Expected status queued, got %s", result.Status)
	}
	if result.TotalFiles != 3 {
		t.Errorf("Expected totalFiles 3, got %d", result.TotalFiles)
	}

	job, _ := store.GetJob(context.Background(), result.JobID)
	if job == nil {
		t.Fatal("Expected job record to be stored")
	}
	if job.Progress.Total != 3 || job.Progress.Completed != 0 || job.Progress.Percentage != 0 {
		t.Errorf("Unexpected initial progress: %+v", job.Progress)
	}
	tasks, _ := store.ListTasks(context.Background(), job)
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 task records, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != TaskQueued {
			t.Errorf("Expected task %s queued, got %s", task.FileID, task.Status)
		}
		if task.Attempts != 0 {
			t.Errorf("Expected task %s attempts 0, got %d", task.FileID, task.Attempts)
		}
	}
	if entries := queue.all(); len(entries) != 3 {
		t.Errorf("Expected 3 queue entries, got %d", len(entries))
	}
	if store.activeJobs("user-1") != 1 {
		t.Errorf("Expected 1 active job slot, got %d", store.activeJobs("user-1"))
	}
}

func TestSubmitEmptyFileList(t *testing.T) {
	store := newMemStore()
	queue := &stubQueue{}
	gate := newTestGate(store, queue)

	_, err := gate.Submit(context.Background(), "user-1", nil)
	assertErrorCode(t, err, CodeInvalidRequest)

	// 拒否された受付はレコードもキュー投入も残さない
	if len(store.jobs) != 0 || len(store.tasks) != 0 {
		t.Error("Expected no records after rejected submission")
	}
	if len(queue.all()) != 0 {
		t.Error("Expected no queue entries after rejected submission")
	}
	if store.activeJobs("user-1") != 0 {
		t.Error("Expected quota untouched after rejected submission")
	}
}

func TestSubmitTooManyFiles(t *testing.T) {
	gate := newTestGate(newMemStore(), &stubQueue{})
	fileIDs := make([]string, 101)
	for i := range fileIDs {
		fileIDs[i] = "f" + string(rune('a'+i%26)) + strings.Repeat("x", i/26)
	}

	_, err := gate.Submit(context.Background(), "user-1", fileIDs)
	assertErrorCode(t, err, CodeInvalidRequest)
}

func TestSubmitDuplicateFileIDs(t *testing.T) {
	gate := newTestGate(newMemStore(), &stubQueue{})
	_, err := gate.Submit(context.Background(), "user-1", []string{"f1", "f2", "f1"})
	assertErrorCode(t, err, CodeInvalidRequest)
}

func TestSubmitEmptyFileID(t *testing.T) {
	gate := newTestGate(newMemStore(), &stubQueue{})
	_, err := gate.Submit(context.Background(), "user-1", []string{"f1", ""})
	assertErrorCode(t, err, CodeInvalidRequest)
}

func TestSubmitQuotaExceeded(t *testing.T) {
	store := newMemStore()
	queue := &stubQueue{}
	gate := newTestGate(store, queue)

	for i := 0; i < 3; i++ {
		if _, err := gate.Submit(context.Background(), "user-1", []string{"f1"}); err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
	}

	_, err := gate.Submit(context.Background(), "user-1", []string{"f1"})
	assertErrorCode(t, err, CodeQuotaExceeded)
	if store.activeJobs("user-1") != 3 {
		t.Errorf("Expected quota to stay at 3, got %d", store.activeJobs("user-1"))
	}

	// 別の submitter は影響を受けない
	if _, err := gate.Submit(context.Background(), "user-2", []string{"f1"}); err != nil {
		t.Errorf("Submit by another submitter failed: %v", err)
	}
}

func TestSubmitEnqueueFailureAbortsJob(t *testing.T) {
	store := newMemStore()
	queue := &stubQueue{err: errors.New("broker down")}
	gate := newTestGate(store, queue)

	_, err := gate.Submit(context.Background(), "user-1", []string{"f1"})
	assertErrorCode(t, err, CodeInternal)

	if store.activeJobs("user-1") != 0 {
		t.Errorf("Expected slot released after aborted submission, got %d", store.activeJobs("user-1"))
	}
	for _, job := range store.jobs {
		if job.Status != JobFailed {
			t.Errorf("Expected aborted job to be failed, got %s", job.Status)
		}
	}
}

func TestSubmitEstimateUsesHistory(t *testing.T) {
	store := newMemStore()
	store.avg = 10 * time.Second
	gate := newTestGate(store, &stubQueue{})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return base }

	result, err := gate.Submit(context.Background(), "user-1", []string{"f1", "f2"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	want := base.Add(20 * time.Second)
	if !result.EstimatedCompletion.Equal(want) {
		t.Errorf("Expected estimate %v, got %v", want, result.EstimatedCompletion)
	}
}

func assertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error with code %s, got nil", code)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	if apiErr.Code != code {
		t.Errorf("Expected code %s, got %s", code, apiErr.Code)
	}
}
