// Package pdf はファイル単位のPDF処理（ワーカー実行部）を提供します。
package pdf

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/bundle-forge/internal/jobs"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// ObjectStore はワーカーが必要とするストレージ操作です。
type ObjectStore interface {
	FetchSource(ctx context.Context, fileID string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string) (string, time.Time, error)
}

// Service は1ファイル分の処理を実行します。入力PDFを取得・検証・最適化し、
// 成果物をストレージに保存して参照を返します。リトライ判断は呼び出し側が行うため、
// 失敗は発生箇所で分類して返すだけです。
type Service struct {
	store  ObjectStore
	logger *log.Logger
}

// NewService は Service を作成します。
func NewService(store ObjectStore, logger *log.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Process は jobs.Processor を実装します。
func (s *Service) Process(ctx context.Context, jobID, fileID string) (*jobs.Artifact, error) {
	dir, err := os.MkdirTemp("", "bundle-forge-")
	if err != nil {
		return nil, jobs.NewTaskError(jobs.FailureInternal, "作業ディレクトリの作成に失敗しました。", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	inPath := filepath.Join(dir, "in.pdf")
	if err := s.fetchSource(ctx, fileID, inPath); err != nil {
		return nil, err
	}

	if err := pdfapi.ValidateFile(inPath, nil); err != nil {
		return nil, jobs.NewTaskError(jobs.FailureInvalidFile, "入力ファイルが有効なPDFではありません。", err)
	}

	outPath := filepath.Join(dir, "out.pdf")
	if err := pdfapi.OptimizeFile(inPath, outPath, nil); err != nil {
		return nil, jobs.NewTaskError(jobs.FailureInvalidFile, "PDFの最適化に失敗しました。", err)
	}

	return s.storeArtifact(ctx, jobID, fileID, outPath)
}

func (s *Service) fetchSource(ctx context.Context, fileID, inPath string) error {
	src, err := s.store.FetchSource(ctx, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return jobs.NewTaskError(jobs.FailureInvalidFile, "入力ファイルが見つかりません。", err)
		}
		return classify(err, jobs.FailureStorage, "入力ファイルの取得に失敗しました。")
	}
	defer src.Close()

	dst, err := os.Create(inPath)
	if err != nil {
		return jobs.NewTaskError(jobs.FailureInternal, "入力ファイルの保存に失敗しました。", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return classify(err, jobs.FailureNetwork, "入力ファイルの読み込みに失敗しました。")
	}
	return nil
}

func (s *Service) storeArtifact(ctx context.Context, jobID, fileID, outPath string) (*jobs.Artifact, error) {
	out, err := os.Open(outPath)
	if err != nil {
		return nil, jobs.NewTaskError(jobs.FailureInternal, "成果物の読み込みに失敗しました。", err)
	}
	defer out.Close()

	info, err := out.Stat()
	if err != nil {
		return nil, jobs.NewTaskError(jobs.FailureInternal, "成果物の確認に失敗しました。", err)
	}

	key := storage.ArtifactKey(jobID, fileID)
	if err := s.store.Put(ctx, key, out, info.Size(), "application/pdf"); err != nil {
		return nil, classify(err, jobs.FailureStorage, "成果物の保存に失敗しました。")
	}

	ref, expiresAt, err := s.store.PresignGet(ctx, key)
	if err != nil {
		return nil, classify(err, jobs.FailureStorage, "成果物URLの発行に失敗しました。")
	}

	return &jobs.Artifact{
		Key:          key,
		Ref:          ref,
		RefExpiresAt: expiresAt,
	}, nil
}

// classify は下位層のエラーを発生箇所で失敗分類に割り当てます。
func classify(err error, fallback jobs.FailureKind, message string) *jobs.TaskError {
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.NewTaskError(jobs.FailureTimeout, "処理がタイムアウトしました。", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return jobs.NewTaskError(jobs.FailureNetwork, message, err)
	}
	return jobs.NewTaskError(fallback, message, err)
}
