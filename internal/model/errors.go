// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: network, validation, auth, backend, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryNetwork    = "network"
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryBackend    = "backend"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeNetworkFailure    = "NETWORK_FAILURE"
	ErrCodeValidationFailure = "VALIDATION_FAILURE"
	ErrCodeBackendRejection  = "BACKEND_REJECTION"
	ErrCodeAccessDenied      = "ACCESS_DENIED"
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
)

// ErrUnauthenticated はプロフィール確認で有効なセッションが存在しないことを表す。
// エラーとして扱わず、匿名状態への遷移に使う。
var ErrUnauthenticated = errors.New("no valid session")

// ErrSuperseded は非同期応答が後続の操作に追い越されて破棄されたことを表す。
var ErrSuperseded = errors.New("operation superseded by a newer one")

// DenialMessage はテナントへのアクセス拒否時の唯一の文言。
// 存在しないテナントと権限のないテナントを区別しない。
const DenialMessage = "You don't have access to this shop or it doesn't exist"

// NewNetworkFailureError は通信失敗エラーを生成する。
func NewNetworkFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkFailure,
		Message:  fmt.Sprintf("Could not reach the server: %s", reason),
		Category: CategoryNetwork,
		Action:   "Check your connection and try again.",
	}
}

// NewValidationError は送信前の入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailure,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Correct the highlighted fields and submit again.",
	}
}

// NewBackendRejectionError はバックエンドが業務ルールで拒否した場合のエラーを生成する。
// messageが空の場合はfallbackを使う。
func NewBackendRejectionError(message, fallback string) *APIError {
	if message == "" {
		message = fallback
	}
	return &APIError{
		Code:     ErrCodeBackendRejection,
		Message:  message,
		Category: CategoryBackend,
		Action:   "Review the details and try again.",
	}
}

// NewAccessDeniedError はテナントへのアクセス拒否を生成する。
// 例外として投げるのではなく拒否ビューの描画に使う。
func NewAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessDenied,
		Message:  DenialMessage,
		Category: CategoryAuth,
		Action:   "Open one of your shops from the dashboard.",
	}
}

// NewUnauthenticatedError は未ログイン時のJSON応答用エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Login required.",
		Category: CategoryAuth,
		Action:   "Log in and try again.",
	}
}

// IsCategory はerrがcategoryのAPIErrorかどうかを判定する。
func IsCategory(err error, category string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// MessageOf はユーザーに表示するメッセージを取り出す。
// APIError以外のエラーにはfallbackを返す。
func MessageOf(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
