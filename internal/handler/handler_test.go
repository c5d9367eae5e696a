package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/middleware"
	"github.com/hitoshi/prepwiser/internal/model"
)

// --- 共通モック ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	signUpFn          func(ctx context.Context, in auth.SignUpInput) (*model.User, error)
	signInFn          func(ctx context.Context, email, password string) (*auth.SignInResult, error)
	signInWithTokenFn func(ctx context.Context, email, idToken string) (*auth.SignInResult, error)
	issueTokenFn      func(ctx context.Context, email, password string) (string, error)

	signOutArtifacts []string
}

func (m *mockAuthService) SignUp(ctx context.Context, in auth.SignUpInput) (*model.User, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, in)
	}
	return &model.User{ID: "user-1", Name: in.Name, Email: in.Email}, nil
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return &auth.SignInResult{UserID: "user-1", SessionArtifact: "artifact-1"}, nil
}

func (m *mockAuthService) SignInWithToken(ctx context.Context, email, idToken string) (*auth.SignInResult, error) {
	if m.signInWithTokenFn != nil {
		return m.signInWithTokenFn(ctx, email, idToken)
	}
	return &auth.SignInResult{UserID: "user-1", SessionArtifact: "artifact-1"}, nil
}

func (m *mockAuthService) IssueIdentityToken(ctx context.Context, email, password string) (string, error) {
	if m.issueTokenFn != nil {
		return m.issueTokenFn(ctx, email, password)
	}
	return "id-token-1", nil
}

func (m *mockAuthService) SignOut(_ context.Context, artifact string) {
	m.signOutArtifacts = append(m.signOutArtifacts, artifact)
}

// stubSanitizer はSanitizeの入力をそのまま返す。
type stubSanitizer struct{}

func (stubSanitizer) Sanitize(name string) string { return name }

var _ AuthServiceInterface = (*mockAuthService)(nil)
var _ AuthServiceInterface = (*auth.Service)(nil)

var testCookieConfig = auth.CookieConfig{MaxAge: 604800}

// withUser はリクエストコンテキストに認証済みユーザーを注入する。
func withUser(req *http.Request, user *model.User) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), user))
}

// findCookie はレスポンスから指定名のCookieを探す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// parseAuthResponse は認証APIのレスポンスボディをデコードする。
func parseAuthResponse(t *testing.T, w *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var body authResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// parseAPIErrorResponse はエラーレスポンスのボディをデコードする。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}
