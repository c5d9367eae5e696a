// Package form はサインアップ・サインインフォームの入力検証と、
// 認証フローの失敗をユーザー向けメッセージに変換する処理を提供する。
//
// 検証は副作用の無い同期処理であり、外部呼び出しの前に何度でも実行できる。
package form

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
)

// 入力長の下限。
const (
	MinNameLength     = 3
	MinPasswordLength = 6
)

// 検証メッセージ。
const (
	MsgNameTooShort     = "Name must be at least 3 characters"
	MsgInvalidEmail     = "Please enter a valid email address"
	MsgPasswordTooShort = "Password must be at least 6 characters"
	MsgMissingIDToken   = "Identity token is required"
)

// 認証フローの失敗メッセージ。
const (
	MsgWeakPassword        = "Password is too weak. Please use a stronger password."
	MsgProviderEmail       = "Please enter a valid email address."
	MsgOperationNotAllowed = "Email/password accounts are not enabled."
	MsgDuplicateAccount    = "This email is already registered. Please sign in instead."
	MsgInvalidCredentials  = "Invalid email or password."
	MsgUserNotRegistered   = "User not found. Please sign up."
	MsgUnavailable         = "Service is temporarily unavailable. Please try again."
	MsgUnexpected          = "An unexpected error occurred. Please try again."
)

// ValidationError は最初に検証に失敗した項目とメッセージを表す。
type ValidationError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// SignUp はサインアップフォームの入力。
type SignUp struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn はサインインフォームの入力。
type SignIn struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenSignIn はクライアント側で取得したIDトークンによるサインインの入力。
type TokenSignIn struct {
	Email   string `json:"email"`
	IDToken string `json:"idToken"`
}

// Normalize は前後の空白を取り除く。パスワードは変更しない。
func (f *SignUp) Normalize() {
	f.Name = strings.TrimSpace(f.Name)
	f.Email = strings.TrimSpace(f.Email)
}

// Normalize は前後の空白を取り除く。パスワードは変更しない。
func (f *SignIn) Normalize() {
	f.Email = strings.TrimSpace(f.Email)
}

// Validate はサインアップフォームを検証する。
// 失敗した場合は名前、メールアドレス、パスワードの順で最初の1件のみを返す。
func (f SignUp) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Name,
			validation.Required.Error(MsgNameTooShort),
			validation.RuneLength(MinNameLength, 0).Error(MsgNameTooShort),
		),
		validation.Field(&f.Email, emailRules()...),
		validation.Field(&f.Password, passwordRules()...),
	)
	return first(err, "name", "email", "password")
}

// Validate はサインインフォームを検証する。
func (f SignIn) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Email, emailRules()...),
		validation.Field(&f.Password, passwordRules()...),
	)
	return first(err, "email", "password")
}

// Normalize は前後の空白を取り除く。
func (f *TokenSignIn) Normalize() {
	f.Email = strings.TrimSpace(f.Email)
	f.IDToken = strings.TrimSpace(f.IDToken)
}

// Validate はIDトークンによるサインインの入力を検証する。
func (f TokenSignIn) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Email, emailRules()...),
		validation.Field(&f.IDToken, validation.Required.Error(MsgMissingIDToken)),
	)
	return first(err, "email", "idToken")
}

func emailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error(MsgInvalidEmail),
		is.Email.Error(MsgInvalidEmail),
	}
}

func passwordRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error(MsgPasswordTooShort),
		validation.RuneLength(MinPasswordLength, 0).Error(MsgPasswordTooShort),
	}
}

// first はvalidation.Errorsからorder順で最初のエラーを取り出す。
func first(err error, order ...string) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	for _, field := range order {
		if fe, ok := errs[field]; ok && fe != nil {
			return &ValidationError{Field: field, Message: fe.Error()}
		}
	}
	return err
}

// Message は認証フローの失敗を1件のユーザー向けメッセージに変換する。
// 未知の失敗は汎用メッセージになる。
func Message(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}

	switch model.KindOf(err) {
	case model.KindDuplicateAccount:
		return MsgDuplicateAccount
	case model.KindAccountCreationFailed:
		return accountCreationMessage(err)
	case model.KindAuthenticationFailed:
		return MsgInvalidCredentials
	case model.KindUserNotRegistered:
		return MsgUserNotRegistered
	case model.KindProviderUnavailable, model.KindStoreUnavailable:
		return MsgUnavailable
	default:
		return MsgUnexpected
	}
}

// accountCreationMessage はアカウント作成失敗の原因に応じたメッセージを返す。
func accountCreationMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrWeakCredential):
		return MsgWeakPassword
	case errors.Is(err, identity.ErrInvalidEmail):
		return MsgProviderEmail
	case errors.Is(err, identity.ErrOperationNotAllowed):
		return MsgOperationNotAllowed
	case errors.Is(err, identity.ErrUnavailable):
		return MsgUnavailable
	default:
		return MsgUnexpected
	}
}
