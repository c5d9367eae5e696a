// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/form"
	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/middleware"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/security"
)

// JSON APIのメッセージ。
const (
	msgAccountCreated = "Account created successfully. Please sign in."
	msgUserExists     = "User already exists. Please sign in."
	msgEmailInUse     = "This email is already in use"
	msgCreateFailed   = "Failed to create account"
	msgUserNotFound   = "User not found. Please sign up."
	msgSignedIn       = "Successfully signed in"
	msgAuthFailed     = "Failed to authenticate"
	msgSignedOut      = "Signed out successfully"
	msgInvalidBody    = "Invalid request body"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 16

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。auth.Serviceが実装する。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, in auth.SignUpInput) (*model.User, error)
	SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error)
	SignInWithToken(ctx context.Context, email, idToken string) (*auth.SignInResult, error)
	IssueIdentityToken(ctx context.Context, email, password string) (string, error)
	SignOut(ctx context.Context, artifact string)
}

// AuthHandler は認証関連のJSON APIハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sanitizer security.NameSanitizerService
	cookie    auth.CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sanitizer security.NameSanitizerService, cookie auth.CookieConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		sanitizer: sanitizer,
		cookie:    cookie,
	}
}

// authResponse は認証APIのレスポンス。
type authResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"userId,omitempty"`
}

// meResponse は現在のユーザー情報のレスポンス。
type meResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// identityTokenResponse はIDトークン発行のレスポンス。
type identityTokenResponse struct {
	IDToken string `json:"idToken"`
}

// SignUp はアカウントを作成する。セッションは発行しない。
// POST /api/auth/sign-up
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var f form.SignUp
	if !decodeJSON(w, r, &f) {
		return
	}
	f.Name = h.sanitizer.Sanitize(f.Name)
	f.Normalize()
	if err := f.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: form.Message(err)})
		return
	}

	_, err := h.service.SignUp(r.Context(), auth.SignUpInput{
		Name:     f.Name,
		Email:    f.Email,
		Password: f.Password,
	})
	if err != nil {
		slog.Info("sign-up failed", slog.String("kind", string(model.KindOf(err))))
		writeJSON(w, statusOf(err), authResponse{Message: signUpMessage(err)})
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Success: true, Message: msgAccountCreated})
}

// SignIn はクライアント側で取得したIDトークンをセッションCookieに交換する。
// POST /api/auth/sign-in
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var f form.TokenSignIn
	if !decodeJSON(w, r, &f) {
		return
	}
	f.Normalize()
	if err := f.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: form.Message(err)})
		return
	}

	result, err := h.service.SignInWithToken(r.Context(), f.Email, f.IDToken)
	if err != nil {
		slog.Info("sign-in failed", slog.String("kind", string(model.KindOf(err))))
		writeJSON(w, statusOf(err), authResponse{Message: signInMessage(err)})
		return
	}

	http.SetCookie(w, auth.NewSessionCookie(h.cookie, result.SessionArtifact))
	writeJSON(w, http.StatusOK, authResponse{Success: true, Message: msgSignedIn, UserID: result.UserID})
}

// SignOut はセッションCookieを削除する。Cookieが無い、または不正な場合も成功する。
// POST /api/auth/sign-out
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.service.SignOut(r.Context(), auth.ArtifactFromRequest(r))
	http.SetCookie(w, auth.ExpiredSessionCookie(h.cookie))
	writeJSON(w, http.StatusOK, authResponse{Success: true, Message: msgSignedOut})
}

// Me は現在のユーザー情報を返す。AccessGateの後段で使う。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.UserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, meResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	})
}

// IssueIdentityToken はメールアドレスとパスワードを検証してIDトークンを返す。
// ブラウザ以外のクライアント向けに、クライアント側の資格情報確認を代行する。
// POST /api/identity/token
func (h *AuthHandler) IssueIdentityToken(w http.ResponseWriter, r *http.Request) {
	var f form.SignIn
	if !decodeJSON(w, r, &f) {
		return
	}
	f.Normalize()
	if err := f.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: form.Message(err)})
		return
	}

	idToken, err := h.service.IssueIdentityToken(r.Context(), f.Email, f.Password)
	if err != nil {
		slog.Info("identity token request failed", slog.String("kind", string(model.KindOf(err))))
		writeJSON(w, statusOf(err), authResponse{Message: msgAuthFailed})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, identityTokenResponse{IDToken: idToken})
}

// decodeJSON はリクエストボディをvにデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: msgInvalidBody})
		return false
	}
	return true
}

// signUpMessage はサインアップAPIの失敗メッセージを返す。
// ストアで見つかった重複とプロバイダが報告した重複は別のメッセージになる。
func signUpMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrAlreadyExists):
		return msgEmailInUse
	case model.KindOf(err) == model.KindDuplicateAccount:
		return msgUserExists
	default:
		return msgCreateFailed
	}
}

// signInMessage はサインインAPIの失敗メッセージを返す。
func signInMessage(err error) string {
	if model.KindOf(err) == model.KindUserNotRegistered {
		return msgUserNotFound
	}
	return msgAuthFailed
}
