package jobs

import (
	"context"
	"errors"
	"fmt"
)

// APIエラーコード。HTTPレスポンスの code フィールドにそのまま使用されます。
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidState   = "INVALID_STATE"
	CodeTimeout        = "TIMEOUT"
	CodeTasksFailed    = "TASKS_FAILED"
	CodeInternal       = "INTERNAL_ERROR"
)

// Error はクライアントに返却するエラーを表します。
type Error struct {
	Code    string
	Message string
	cause   error
}

// NewError はクライアント向けエラーを作成します。
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func newError(code, message string, cause error) *Error {
	return NewError(code, message, cause)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// FailureKind はタスク失敗の分類です。発生箇所で割り当てられ、
// リトライ判断はメッセージ文字列ではなくこの分類のみで行われます。
type FailureKind string

const (
	FailureNetwork     FailureKind = "network"
	FailureTimeout     FailureKind = "timeout"
	FailureStorage     FailureKind = "storage"
	FailureInvalidFile FailureKind = "invalid_file"
	FailureQuota       FailureKind = "quota"
	FailureInternal    FailureKind = "internal"
)

// Retryable は自動リトライの対象かどうかを返します。
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureNetwork, FailureTimeout, FailureStorage:
		return true
	}
	return false
}

// TaskError は分類付きのタスク実行エラーです。
type TaskError struct {
	Kind    FailureKind
	Message string
	cause   error
}

// NewTaskError は分類付きエラーを作成します。
func NewTaskError(kind FailureKind, message string, cause error) *TaskError {
	return &TaskError{Kind: kind, Message: message, cause: cause}
}

func (e *TaskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// asTaskError は任意のエラーを分類付きエラーに正規化します。
// 分類されていないエラーはリトライ対象外の internal として扱います。
func asTaskError(err error) *TaskError {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTaskError(FailureTimeout, "処理がタイムアウトしました。", err)
	}
	return NewTaskError(FailureInternal, "タスク処理中に予期しないエラーが発生しました。", err)
}

func (e *TaskError) info() *ErrorInfo {
	return &ErrorInfo{Code: string(e.Kind), Message: e.Message}
}
