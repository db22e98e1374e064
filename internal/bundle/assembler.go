// Package bundle は完了ジョブの成果物を1つの配布物に結合します。
package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/yourusername/bundle-forge/internal/jobs"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// ArtifactStore は結合処理が必要とするストレージ操作です。
type ArtifactStore interface {
	FetchArtifact(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string) (string, time.Time, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Assembler は jobs.BundleAssembler / jobs.BundleRefresher を実装します。
type Assembler struct {
	store  ArtifactStore
	logger *log.Logger
}

// NewAssembler は Assembler を作成します。
func NewAssembler(store ArtifactStore, logger *log.Logger) *Assembler {
	return &Assembler{
		store:  store,
		logger: logger,
	}
}

// Assemble は全タスクの成果物をZIPに固め、保存して期限付き参照を返します。
func (a *Assembler) Assemble(ctx context.Context, job *jobs.JobRecord, tasks []*jobs.TaskRecord) (*jobs.Artifact, error) {
	tmp, err := os.CreateTemp("", "bundle-forge-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle workspace: %w", err)
	}
	defer func() {
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := a.writeZip(ctx, tmp, tasks); err != nil {
		return nil, err
	}

	info, err := tmp.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind bundle: %w", err)
	}

	key := storage.BundleKey(job.JobID)
	if err := a.store.Put(ctx, key, tmp, info.Size(), "application/zip"); err != nil {
		return nil, fmt.Errorf("failed to upload bundle: %w", err)
	}

	ref, expiresAt, err := a.store.PresignGet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to presign bundle: %w", err)
	}
	if a.logger != nil {
		a.logger.Printf("bundle assembled job=%s files=%d size=%d", job.JobID, len(tasks), info.Size())
	}

	return &jobs.Artifact{
		Key:          key,
		Ref:          ref,
		RefExpiresAt: expiresAt,
	}, nil
}

func (a *Assembler) writeZip(ctx context.Context, w io.Writer, tasks []*jobs.TaskRecord) error {
	zw := zip.NewWriter(w)
	for _, task := range tasks {
		if task.ArtifactKey == "" {
			return fmt.Errorf("task %s/%s has no artifact", task.JobID, task.FileID)
		}
		src, err := a.store.FetchArtifact(ctx, task.ArtifactKey)
		if err != nil {
			return fmt.Errorf("failed to fetch artifact %s: %w", task.ArtifactKey, err)
		}
		entry, err := zw.Create(fmt.Sprintf("%s.pdf", task.FileID))
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			return fmt.Errorf("failed to write artifact %s: %w", task.ArtifactKey, err)
		}
		src.Close()
	}
	return zw.Close()
}

// Refresh は保存済みの配布物から新しい期限付き参照を再発行します。
// 配布物が消えている場合は NOT_FOUND を返します。再計算は行いません。
func (a *Assembler) Refresh(ctx context.Context, job *jobs.JobRecord) (*jobs.Artifact, error) {
	key := job.BundleKey
	if key == "" {
		key = storage.BundleKey(job.JobID)
	}

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, jobs.NewError(jobs.CodeNotFound, "配布物が見つかりません。", nil)
	}

	ref, expiresAt, err := a.store.PresignGet(ctx, key)
	if err != nil {
		return nil, err
	}
	return &jobs.Artifact{
		Key:          key,
		Ref:          ref,
		RefExpiresAt: expiresAt,
	}, nil
}
