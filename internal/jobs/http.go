package jobs

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// submitterContextKey は認証ミドルウェアが設定する submitter 識別子のキーです。
const submitterContextKey = "submitter"

// SubmitService はジョブ受付を提供します。
type SubmitService interface {
	Submit(ctx context.Context, submitter string, fileIDs []string) (*SubmitResult, error)
}

// StatusService はポーリング用スナップショットを提供します。
type StatusService interface {
	Snapshot(ctx context.Context, jobID string) (*Snapshot, error)
}

// CancelService はジョブのキャンセルを提供します。
type CancelService interface {
	Cancel(ctx context.Context, jobID string) (*JobRecord, error)
}

// RefreshService は配布物参照の再発行を提供します。
type RefreshService interface {
	RefreshBundle(ctx context.Context, jobID string) (string, time.Time, error)
}

type submitRequest struct {
	FileIDs []string `json:"fileIds"`
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
func SubmitHandler(svc SubmitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidRequest,
				"message": "fileIds を含むJSONを送信してください。",
			})
			return
		}

		result, err := svc.Submit(c.Request.Context(), c.GetString(submitterContextKey), req.FileIDs)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":               result.JobID,
			"status":              result.Status,
			"totalFiles":          result.TotalFiles,
			"estimatedCompletion": result.EstimatedCompletion,
		})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(svc StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidRequest,
				"message": "jobId を指定してください。",
			})
			return
		}

		snapshot, err := svc.Snapshot(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		job := snapshot.Job
		files := make([]gin.H, len(snapshot.Tasks))
		for i, task := range snapshot.Tasks {
			entry := gin.H{
				"fileId":   task.FileID,
				"status":   task.Status,
				"attempts": task.Attempts,
			}
			if task.StartedAt != nil {
				entry["startedAt"] = task.StartedAt
			}
			if task.CompletedAt != nil {
				entry["completedAt"] = task.CompletedAt
			}
			if task.ArtifactRef != "" {
				entry["downloadRef"] = task.ArtifactRef
			}
			if task.Error != nil {
				entry["error"] = task.Error
			}
			files[i] = entry
		}

		payload := gin.H{
			"jobId":     job.JobID,
			"status":    job.Status,
			"progress":  job.Progress,
			"createdAt": job.CreatedAt,
			"updatedAt": job.UpdatedAt,
			"files":     files,
		}
		if job.CompletedAt != nil {
			payload["completedAt"] = job.CompletedAt
		}
		if job.BundleRef != "" {
			payload["bundleRef"] = job.BundleRef
			payload["expiresAt"] = job.BundleExpiresAt
		}
		if job.Error != nil {
			payload["error"] = job.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}

// CancelHandler は DELETE /api/jobs/:id のハンドラーを返します。
func CancelHandler(svc CancelService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidRequest,
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := svc.Cancel(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":  job.JobID,
			"status": job.Status,
		})
	}
}

// RefreshHandler は POST /api/jobs/:id/bundle/refresh のハンドラーを返します。
func RefreshHandler(svc RefreshService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidRequest,
				"message": "jobId を指定してください。",
			})
			return
		}

		ref, expiresAt, err := svc.RefreshBundle(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":     jobID,
			"bundleRef": ref,
			"expiresAt": expiresAt,
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case CodeInvalidRequest:
			status = http.StatusBadRequest
		case CodeQuotaExceeded:
			status = http.StatusTooManyRequests
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeInvalidState:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
