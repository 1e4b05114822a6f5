// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, library, catalog, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	ErrCodeGameNotFound      = "GAME_NOT_FOUND"
	ErrCodeInvalidSort       = "INVALID_SORT"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidProfile    = "INVALID_PROFILE"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
)

// NewAuthRequiredError は未ログイン状態で操作した場合のエラーを生成する。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "ゲームをインストールするにはログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewPermissionDeniedError はリモートストアが書き込みを拒否した場合のエラーを生成する。
// セッションは破棄せず、ユーザーへの通知のみに使用する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "権限エラー: データベースに保存できませんでした。",
		Category: "library",
		Action:   "アカウントの権限を確認してください。",
	}
}

// NewRemoteUnavailableError はリモートストアの一般的な障害エラーを生成する。
// 自動リトライは行わず、ユーザーの再操作に委ねる。
func NewRemoteUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteUnavailable,
		Message:  fmt.Sprintf("ライブラリの更新に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewGameNotFoundError はカタログにゲームが存在しない場合のエラーを生成する。
func NewGameNotFoundError(gameID string) *APIError {
	return &APIError{
		Code:     ErrCodeGameNotFound,
		Message:  fmt.Sprintf("指定されたゲームが見つかりません: %s", gameID),
		Category: "catalog",
		Action:   "ゲームIDを確認してください。",
	}
}

// NewInvalidSortError は無効なソートキーのエラーを生成する。
func NewInvalidSortError(sort string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSort,
		Message:  fmt.Sprintf("無効なソートキーです: %s", sort),
		Category: "validation",
		Action:   "ソートには rating-desc、rating-asc、title-asc、title-desc のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidProfileError はプロフィール更新内容が不正な場合のエラーを生成する。
func NewInvalidProfileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfile,
		Message:  fmt.Sprintf("プロフィールを更新できません: %s", reason),
		Category: "validation",
		Action:   "表示名と写真URL（http:// または https://）を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
