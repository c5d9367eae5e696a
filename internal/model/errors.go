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
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind は認証フローの失敗種別を表す。
// IDプロバイダやストアの生のエラーはセッションマネージャの境界でこの種別に正規化される。
type ErrorKind string

// 定義済みの失敗種別。
const (
	KindDuplicateAccount      ErrorKind = "DUPLICATE_ACCOUNT"
	KindAccountCreationFailed ErrorKind = "ACCOUNT_CREATION_FAILED"
	KindUserNotRegistered     ErrorKind = "USER_NOT_REGISTERED"
	KindAuthenticationFailed  ErrorKind = "AUTHENTICATION_FAILED"
	KindProviderUnavailable   ErrorKind = "PROVIDER_UNAVAILABLE"
	KindStoreUnavailable      ErrorKind = "STORE_UNAVAILABLE"
	KindSessionInvalid        ErrorKind = "SESSION_INVALID"
)

// AuthError は失敗種別と原因エラーを保持する。
// 原因はログ用であり、ユーザーには種別に対応するメッセージのみを表示する。
type AuthError struct {
	Kind ErrorKind
	Err  error
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind ErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// KindOf はエラーチェーンからErrorKindを取り出す。
// AuthErrorを含まない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
	ErrCodeTooManyRequests = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFInvalid     = "CSRF_TOKEN_INVALID"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// NewInvalidRequestError はリクエスト形式の不正を表すエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Please sign in again.",
	}
}
