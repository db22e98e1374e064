package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix        = "job:"
	quotaKeyPrefix      = "quota:"
	deadLetterKeyPrefix = "deadletter:"
	deadLetterIndexKey  = "deadletters"
	taskDurationKey     = "stats:task-duration-ms"

	claimMaxRetries = 16
)

// RedisStore はジョブ/タスク状態を Redis に保存する StatusStore 実装です。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl はレコード作成時に確定する保持期間です。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func taskKey(jobID, fileID string) string {
	return fmt.Sprintf("%s%s:file:%s", jobKeyPrefix, jobID, fileID)
}

func quotaKey(submitter string) string {
	return quotaKeyPrefix + submitter
}

func deadLetterKey(jobID, fileID string) string {
	return fmt.Sprintf("%s%s:%s", deadLetterKeyPrefix, jobID, fileID)
}

// CreateJob はジョブと全タスクをまとめて保存します。
func (s *RedisStore) CreateJob(ctx context.Context, job *JobRecord, tasks []*TaskRecord) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	jobPayload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.JobID), jobPayload, s.ttl)
	for _, task := range tasks {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		pipe.Set(ctx, taskKey(task.JobID, task.FileID), payload, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetJob はジョブを取得します。
func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetTask はタスクを取得します。
func (s *RedisStore) GetTask(ctx context.Context, jobID, fileID string) (*TaskRecord, error) {
	data, err := s.rdb.Get(ctx, taskKey(jobID, fileID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListTasks はジョブの全タスクを fileIds の並びで返します。
func (s *RedisStore) ListTasks(ctx context.Context, job *JobRecord) ([]*TaskRecord, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	keys := make([]string, len(job.FileIDs))
	for i, fileID := range job.FileIDs {
		keys[i] = taskKey(job.JobID, fileID)
	}
	return s.mgetTasks(ctx, s.rdb, keys)
}

type redisGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (s *RedisStore) mgetTasks(ctx context.Context, c redisGetter, keys []string) ([]*TaskRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*TaskRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var record TaskRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		tasks = append(tasks, &record)
	}
	return tasks, nil
}

// ClaimTask はジョブ状態の確認とタスクの queued→processing 遷移を
// WATCH/MULTI によるアトミックな compare-and-set で行います。
func (s *RedisStore) ClaimTask(ctx context.Context, jobID, fileID string) (ClaimOutcome, error) {
	outcome := ClaimJobInactive
	jKey := jobKey(jobID)
	tKey := taskKey(jobID, fileID)

	claim := func(tx *redis.Tx) error {
		jobData, err := tx.Get(ctx, jKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				outcome = ClaimJobInactive
				return nil
			}
			return err
		}
		var job JobRecord
		if err := json.Unmarshal(jobData, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			outcome = ClaimJobInactive
			return nil
		}

		taskData, err := tx.Get(ctx, tKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				outcome = ClaimJobInactive
				return nil
			}
			return err
		}
		var task TaskRecord
		if err := json.Unmarshal(taskData, &task); err != nil {
			return err
		}
		if task.Status != TaskQueued {
			outcome = ClaimSkipped
			return nil
		}

		now := time.Now().UTC()
		task.Status = TaskProcessing
		task.Attempts++
		task.StartedAt = &now
		task.UpdatedAt = now
		payload, err := json.Marshal(&task)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tKey, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			outcome = ClaimAcquired
		}
		return err
	}

	for i := 0; i < claimMaxRetries; i++ {
		err := s.rdb.Watch(ctx, claim, jKey, tKey)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return ClaimJobInactive, err
		}
		return outcome, nil
	}
	return ClaimJobInactive, fmt.Errorf("claim contention on task %s/%s", jobID, fileID)
}

// UpdateTask はタスクを楽観的トランザクションで更新します。有効期限は延長しません。
func (s *RedisStore) UpdateTask(ctx context.Context, jobID, fileID string, mutate func(*TaskRecord)) (*TaskRecord, error) {
	tKey := taskKey(jobID, fileID)
	var updated *TaskRecord

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, tKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("task not found: %s/%s", jobID, fileID)
			}
			return err
		}
		var record TaskRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tKey, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &record
		}
		return err
	}

	for {
		err := s.rdb.Watch(ctx, update, tKey)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// UpdateJob はジョブキーの WATCH により同一ジョブへの更新を直列化します。
// タスクの読み取りも WATCH 区間内で行うため、競合時は全体を再計算します。
func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, mutate func(job *JobRecord, tasks []*TaskRecord) error) (*JobRecord, error) {
	jKey := jobKey(jobID)
	var updated *JobRecord

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				updated = nil
				return nil
			}
			return err
		}
		var job JobRecord
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		keys := make([]string, len(job.FileIDs))
		for i, fileID := range job.FileIDs {
			keys[i] = taskKey(job.JobID, fileID)
		}
		tasks, err := s.mgetTasks(ctx, tx, keys)
		if err != nil {
			return err
		}

		if err := mutate(&job, tasks); err != nil {
			if err == errNoUpdate {
				updated = &job
				return nil
			}
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jKey, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for {
		err := s.rdb.Watch(ctx, update, jKey)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// AcquireSlot は INCR の結果で上限を判定し、超過時は即座に戻します。
func (s *RedisStore) AcquireSlot(ctx context.Context, submitter string, limit int) (bool, error) {
	key := quotaKey(submitter)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count > int64(limit) {
		if err := s.rdb.Decr(ctx, key).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSlot は実行中ジョブ枠を解放します。カウンタは0未満になりません。
func (s *RedisStore) ReleaseSlot(ctx context.Context, submitter string) error {
	key := quotaKey(submitter)
	count, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count < 0 {
		return s.rdb.Incr(ctx, key).Err()
	}
	return nil
}

// PushDeadLetter は期限なしの個別レコードと走査用リストの両方に記録します。
func (s *RedisStore) PushDeadLetter(ctx context.Context, letter *DeadLetter) error {
	if letter == nil {
		return fmt.Errorf("letter is nil")
	}
	payload, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, deadLetterKey(letter.JobID, letter.FileID), payload, 0)
	pipe.RPush(ctx, deadLetterIndexKey, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// RecordTaskDuration は指数移動平均でタスク所要時間の統計を更新します。
func (s *RedisStore) RecordTaskDuration(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	current, err := s.rdb.Get(ctx, taskDurationKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	next := d.Milliseconds()
	if current != "" {
		prev, parseErr := strconv.ParseInt(current, 10, 64)
		if parseErr == nil && prev > 0 {
			next = (prev*4 + next) / 5
		}
	}
	return s.rdb.Set(ctx, taskDurationKey, next, 0).Err()
}

// AvgTaskDuration は平均所要時間を返します。履歴がない場合は 0 です。
func (s *RedisStore) AvgTaskDuration(ctx context.Context) (time.Duration, error) {
	value, err := s.rdb.Get(ctx, taskDurationKey).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return time.Duration(value) * time.Millisecond, nil
}
