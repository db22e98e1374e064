package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore はテスト用のインメモリ StatusStore 実装です。
// UpdateJob はロック中に mutate を呼ぶことで、本実装と同じく
// ジョブ単位の直列化を保証します。
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*JobRecord
	tasks       map[string]*TaskRecord
	quota       map[string]int
	deadLetters []*DeadLetter
	durations   []time.Duration
	avg         time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  map[string]*JobRecord{},
		tasks: map[string]*TaskRecord{},
		quota: map[string]int{},
	}
}

func memTaskKey(jobID, fileID string) string {
	return jobID + "/" + fileID
}

func cloneJob(job *JobRecord) *JobRecord {
	if job == nil {
		return nil
	}
	c := *job
	c.FileIDs = append([]string(nil), job.FileIDs...)
	if job.Error != nil {
		e := *job.Error
		c.Error = &e
	}
	return &c
}

func cloneTask(task *TaskRecord) *TaskRecord {
	if task == nil {
		return nil
	}
	c := *task
	if task.Error != nil {
		e := *task.Error
		c.Error = &e
	}
	return &c
}

func (s *memStore) CreateJob(_ context.Context, job *JobRecord, tasks []*TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = cloneJob(job)
	for _, task := range tasks {
		s.tasks[memTaskKey(task.JobID, task.FileID)] = cloneTask(task)
	}
	return nil
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[jobID]), nil
}

func (s *memStore) GetTask(_ context.Context, jobID, fileID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTask(s.tasks[memTaskKey(jobID, fileID)]), nil
}

func (s *memStore) ListTasks(_ context.Context, job *JobRecord) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTasksLocked(job), nil
}

func (s *memStore) listTasksLocked(job *JobRecord) []*TaskRecord {
	tasks := make([]*TaskRecord, 0, len(job.FileIDs))
	for _, fileID := range job.FileIDs {
		if task := s.tasks[memTaskKey(job.JobID, fileID)]; task != nil {
			tasks = append(tasks, cloneTask(task))
		}
	}
	return tasks
}

func (s *memStore) ClaimTask(_ context.Context, jobID, fileID string) (ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job == nil || job.Status.Terminal() {
		return ClaimJobInactive, nil
	}
	task := s.tasks[memTaskKey(jobID, fileID)]
	if task == nil {
		return ClaimJobInactive, nil
	}
	if task.Status != TaskQueued {
		return ClaimSkipped, nil
	}
	now := time.Now().UTC()
	task.Status = TaskProcessing
	task.Attempts++
	task.StartedAt = &now
	task.UpdatedAt = now
	return ClaimAcquired, nil
}

func (s *memStore) UpdateTask(_ context.Context, jobID, fileID string, mutate func(*TaskRecord)) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[memTaskKey(jobID, fileID)]
	if task == nil {
		return nil, fmt.Errorf("task not found: %s/%s", jobID, fileID)
	}
	mutate(task)
	task.UpdatedAt = time.Now().UTC()
	return cloneTask(task), nil
}

func (s *memStore) UpdateJob(_ context.Context, jobID string, mutate func(job *JobRecord, tasks []*TaskRecord) error) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job == nil {
		return nil, nil
	}
	candidate := cloneJob(job)
	if err := mutate(candidate, s.listTasksLocked(job)); err != nil {
		if err == errNoUpdate {
			return cloneJob(job), nil
		}
		return nil, err
	}
	candidate.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = candidate
	return cloneJob(candidate), nil
}

func (s *memStore) AcquireSlot(_ context.Context, submitter string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota[submitter] >= limit {
		return false, nil
	}
	s.quota[submitter]++
	return true, nil
}

func (s *memStore) ReleaseSlot(_ context.Context, submitter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota[submitter] > 0 {
		s.quota[submitter]--
	}
	return nil
}

func (s *memStore) PushDeadLetter(_ context.Context, letter *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *letter
	s.deadLetters = append(s.deadLetters, &copied)
	return nil
}

func (s *memStore) RecordTaskDuration(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
	return nil
}

func (s *memStore) AvgTaskDuration(_ context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg, nil
}

func (s *memStore) activeJobs(submitter string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota[submitter]
}

func (s *memStore) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

// queueEntry はテスト用キューに記録された投入内容です。
type queueEntry struct {
	jobID  string
	fileID string
	delay  time.Duration
}

// stubQueue はテスト用の TaskQueue 実装です。
type stubQueue struct {
	mu      sync.Mutex
	entries []queueEntry
	err     error
}

func (q *stubQueue) EnqueueTask(_ context.Context, jobID, fileID string, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, queueEntry{jobID: jobID, fileID: fileID, delay: delay})
	return nil
}

func (q *stubQueue) all() []queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queueEntry(nil), q.entries...)
}

// stubProcessor はテスト用の Processor 実装です。呼び出しごとに errs を順に返し、
// 使い切った後は artifact を返します。
type stubProcessor struct {
	mu       sync.Mutex
	calls    int
	errs     []error
	artifact *Artifact
}

func (p *stubProcessor) Process(_ context.Context, jobID, fileID string) (*Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p.artifact != nil {
		return p.artifact, nil
	}
	return &Artifact{
		Key:          fmt.Sprintf("jobs/%s/artifacts/%s.pdf", jobID, fileID),
		Ref:          fmt.Sprintf("https://example.com/%s/%s", jobID, fileID),
		RefExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}, nil
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// stubAssembler はテスト用の BundleAssembler 実装です。
type stubAssembler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *stubAssembler) Assemble(_ context.Context, job *JobRecord, _ []*TaskRecord) (*Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &Artifact{
		Key:          fmt.Sprintf("jobs/%s/bundle.zip", job.JobID),
		Ref:          fmt.Sprintf("https://example.com/%s/bundle.zip", job.JobID),
		RefExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}, nil
}

func (a *stubAssembler) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// seedJob はジョブと全タスクを queued 状態で保存します。
func seedJob(s *memStore, jobID, submitter string, fileIDs ...string) *JobRecord {
	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)
	job := &JobRecord{
		JobID:     jobID,
		Submitter: submitter,
		FileIDs:   fileIDs,
		Status:    JobQueued,
		Progress:  computeProgress(0, len(fileIDs)),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expires,
	}
	tasks := make([]*TaskRecord, len(fileIDs))
	for i, fileID := range fileIDs {
		tasks[i] = &TaskRecord{
			JobID:     jobID,
			FileID:    fileID,
			Status:    TaskQueued,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expires,
		}
	}
	_ = s.CreateJob(context.Background(), job, tasks)
	return job
}
