package identity

import (
	"errors"
	"fmt"
	"strings"
)

// IDプロバイダの失敗種別。REST APIのエラーコードはこれらのいずれかに正規化される。
var (
	ErrAlreadyExists       = errors.New("identity: account already exists")
	ErrWeakCredential      = errors.New("identity: password is too weak")
	ErrInvalidEmail        = errors.New("identity: invalid email")
	ErrOperationNotAllowed = errors.New("identity: email/password sign-in is disabled")
	ErrNotFound            = errors.New("identity: account not found")
	ErrBadCredential       = errors.New("identity: bad credential")
	ErrInvalid             = errors.New("identity: invalid token")
	ErrExpired             = errors.New("identity: token expired")
	ErrRevoked             = errors.New("identity: token revoked")
	ErrUnavailable         = errors.New("identity: provider unavailable")
)

// codeErrors はREST APIのエラーコードと失敗種別の対応表。
var codeErrors = map[string]error{
	"EMAIL_EXISTS":                    ErrAlreadyExists,
	"DUPLICATE_EMAIL":                 ErrAlreadyExists,
	"DUPLICATE_LOCAL_ID":              ErrAlreadyExists,
	"WEAK_PASSWORD":                   ErrWeakCredential,
	"INVALID_EMAIL":                   ErrInvalidEmail,
	"MISSING_EMAIL":                   ErrInvalidEmail,
	"OPERATION_NOT_ALLOWED":           ErrOperationNotAllowed,
	"PASSWORD_LOGIN_DISABLED":         ErrOperationNotAllowed,
	"EMAIL_NOT_FOUND":                 ErrNotFound,
	"USER_NOT_FOUND":                  ErrNotFound,
	"INVALID_PASSWORD":                ErrBadCredential,
	"INVALID_LOGIN_CREDENTIALS":       ErrBadCredential,
	"MISSING_PASSWORD":                ErrBadCredential,
	"USER_DISABLED":                   ErrBadCredential,
	"INVALID_ID_TOKEN":                ErrInvalid,
	"TOKEN_EXPIRED":                   ErrInvalid,
	"INVALID_SESSION_COOKIE_DURATION": ErrInvalid,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN":  ErrInvalid,
	"TOO_MANY_ATTEMPTS_TRY_LATER":     ErrUnavailable,
	"QUOTA_EXCEEDED":                  ErrUnavailable,
}

// ResponseError はREST APIが返したエラーレスポンスを表す。
// 既知のエラーコードの場合はerrors.Isで対応する失敗種別と一致する。
type ResponseError struct {
	Status int
	Code   string
	kind   error
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	return fmt.Sprintf("identity: provider responded %d %s", e.Status, e.Code)
}

// Unwrap は対応する失敗種別を返す。未知のコードではnil。
func (e *ResponseError) Unwrap() error {
	return e.kind
}

// newResponseError はHTTPステータスとエラーメッセージからResponseErrorを生成する。
// メッセージは "WEAK_PASSWORD : Password should be at least 6 characters" のように
// コードの後に説明が続く場合がある。
func newResponseError(status int, message string) *ResponseError {
	code := strings.TrimSpace(message)
	if i := strings.IndexAny(code, " :"); i >= 0 {
		code = code[:i]
	}

	kind := codeErrors[code]
	if kind == nil && (status >= 500 || status == 429) {
		kind = ErrUnavailable
	}

	return &ResponseError{Status: status, Code: code, kind: kind}
}
