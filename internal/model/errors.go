package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code        string // エラーコード
	Message     string // エラーメッセージ
	Category    string // カテゴリ: auth, validation, sync, rate_limit, system
	Action      string // ユーザー向け対処方法
	Integration string // 対象の連携名（連携に紐づくエラーのみ）
}

// エラーカテゴリ
const (
	CategoryAuth       = "auth"
	CategoryValidation = "validation"
	CategorySync       = "sync"
	CategoryRateLimit  = "rate_limit"
	CategorySystem     = "system"
)

// ForIntegration は連携名を付けたコピーを返す。
func (e *APIError) ForIntegration(name string) *APIError {
	cp := *e
	cp.Integration = name
	return &cp
}

// Retryable は時間をおいて同じ操作を再実行すれば成功し得るエラーかを返す。
func (e *APIError) Retryable() bool {
	switch e.Code {
	case ErrCodeSyncFailed, ErrCodeRateLimited, ErrCodeInternalServerError:
		return true
	}
	return false
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTeamFrozen          = "TEAM_FROZEN"
	ErrCodeTeamNotFound        = "TEAM_NOT_FOUND"
	ErrCodeUnknownIntegration  = "UNKNOWN_INTEGRATION"
	ErrCodeInvalidMonth        = "INVALID_MONTH"
	ErrCodeInvalidFilter       = "INVALID_FILTER"
	ErrCodeMissingCredentials  = "MISSING_CREDENTIALS"
	ErrCodeSyncFailed          = "SYNC_FAILED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternalServerError = "INTERNAL_ERROR"
)

// NewTeamFrozenError はチーム凍結エラーを生成する。
func NewTeamFrozenError(reason string) *APIError {
	msg := "チームは凍結されています。"
	if reason != "" {
		msg = fmt.Sprintf("チームは凍結されています: %s", reason)
	}
	return &APIError{
		Code:     ErrCodeTeamFrozen,
		Message:  msg,
		Category: CategorySync,
		Action:   "凍結の解除後に再度同期を実行してください。",
	}
}

// NewTeamNotFoundError はチーム未検出エラーを生成する。
func NewTeamNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTeamNotFound,
		Message:  "チームが見つかりません。",
		Category: CategoryAuth,
		Action:   "所属チームを確認し、ログインし直してください。",
	}
}

// NewUnknownIntegrationError は未登録の連携を指定された場合のエラーを生成する。
func NewUnknownIntegrationError(name string) *APIError {
	return &APIError{
		Code:        ErrCodeUnknownIntegration,
		Message:     fmt.Sprintf("未対応の連携です: %s", name),
		Category:    CategoryValidation,
		Action:      "対応している連携名を指定してください。",
		Integration: name,
	}
}

// NewInvalidMonthError は月指定が不正な場合のエラーを生成する。
func NewInvalidMonthError(month string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMonth,
		Message:  fmt.Sprintf("無効な月指定です: %s", month),
		Category: CategoryValidation,
		Action:   "月はYYYY-MM形式（例: 2024-06）で指定してください。",
	}
}

// NewInvalidFilterError は無効な集計フィルタのエラーを生成する。
func NewInvalidFilterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", reason),
		Category: CategoryValidation,
		Action:   "month、integration、metric の値を確認してください。",
	}
}

// NewMissingCredentialsError は連携の認証情報が不足している場合のエラーを生成する。
func NewMissingCredentialsError(integration string) *APIError {
	return &APIError{
		Code:        ErrCodeMissingCredentials,
		Message:     fmt.Sprintf("%s の認証情報が設定されていません。", integration),
		Category:    CategoryValidation,
		Action:      "連携設定でトークンなどの必須項目を入力してください。",
		Integration: integration,
	}
}

// NewSyncFailedError は同期処理の失敗エラーを生成する。
func NewSyncFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  fmt.Sprintf("同期に失敗しました: %s", reason),
		Category: CategorySync,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

