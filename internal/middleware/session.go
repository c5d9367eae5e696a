// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// SessionChecker はセッション確認に必要なインターフェース。auth.Serviceが実装する。
type SessionChecker interface {
	CheckSession(ctx context.Context, artifact string) auth.SessionState
}

// AccessGate は保護されたページとAPIの前段でセッションを確認する。
// 未認証のリクエストは保護されたハンドラーに到達しない。
type AccessGate struct {
	checker    SessionChecker
	signInPath string
	homePath   string
}

// NewAccessGate はAccessGateを生成する。
// signInPathは未認証時のリダイレクト先、homePathは認証済みユーザーをサインインページから戻す先。
func NewAccessGate(checker SessionChecker, signInPath, homePath string) *AccessGate {
	return &AccessGate{
		checker:    checker,
		signInPath: signInPath,
		homePath:   homePath,
	}
}

// Guard はリクエストのセッションを確認する。
// 認証済みの場合はユーザーとtrueを返し、未認証の場合はfalseを返す。
func (g *AccessGate) Guard(r *http.Request) (*model.User, bool) {
	state := g.checker.CheckSession(r.Context(), auth.ArtifactFromRequest(r))
	if !state.Authenticated() {
		return nil, false
	}
	setLogUserID(r.Context(), state.User.ID)
	return state.User, true
}

// RequirePage は保護されたページ用のミドルウェアを返す。
// 未認証のリクエストはサインインページへリダイレクトし、ハンドラーを実行しない。
func (g *AccessGate) RequirePage() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			user, ok := g.Guard(r)
			if !ok {
				http.Redirect(w, r, g.signInPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireAPI は保護されたAPI用のミドルウェアを返す。
// 未認証のリクエストには401 Unauthorizedを返す。
func (g *AccessGate) RequireAPI() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := g.Guard(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RedirectAuthenticated はサインイン・サインアップページ用のミドルウェアを返す。
// 認証済みのリクエストはホームへリダイレクトする。
func (g *AccessGate) RedirectAuthenticated() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.ArtifactFromRequest(r) != "" {
				if _, ok := g.Guard(r); ok {
					http.Redirect(w, r, g.homePath, http.StatusSeeOther)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// AccessGateを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, err := UserFromContext(ctx)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
