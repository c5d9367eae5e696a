package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/form"
	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/security"
	"github.com/hitoshi/prepwiser/internal/web"
)

func newTestPageHandler(t *testing.T, svc AuthServiceInterface) *PageHandler {
	t.Helper()
	pages, err := web.NewTemplates()
	if err != nil {
		t.Fatalf("NewTemplates() error = %v", err)
	}
	return NewPageHandler(svc, security.NewNameSanitizer(), pages, testCookieConfig)
}

func newFormRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// --- サインアップ ---

func TestPageHandler_SignUp_RedirectsToSignInWithNotice(t *testing.T) {
	var got auth.SignUpInput
	svc := &mockAuthService{
		signUpFn: func(_ context.Context, in auth.SignUpInput) (*model.User, error) {
			got = in
			return &model.User{ID: "user-1"}, nil
		},
	}
	h := newTestPageHandler(t, svc)

	w := httptest.NewRecorder()
	h.SignUp(w, newFormRequest("/sign-up", url.Values{
		"name":     {"<b>Ana</b>"},
		"email":    {" ana@x.com "},
		"password": {"secret1"},
	}))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/sign-in?notice=account-created" {
		t.Errorf("Location = %q", loc)
	}
	if got.Name != "Ana" || got.Email != "ana@x.com" {
		t.Errorf("input = %+v, want sanitized name and trimmed email", got)
	}
	if c := findCookie(w.Result(), model.SessionCookieName); c != nil {
		t.Error("sign-up must not set a session cookie")
	}
}

func TestPageHandler_SignUp_Failures_RerenderWithOneMessage(t *testing.T) {
	tests := []struct {
		name       string
		values     url.Values
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "名前が短い",
			values:     url.Values{"name": {"An"}, "email": {"ana@x.com"}, "password": {"secret1"}},
			wantStatus: http.StatusBadRequest,
			wantMsg:    form.MsgNameTooShort,
		},
		{
			name:       "パスワードが短い",
			values:     url.Values{"name": {"Ana"}, "email": {"ana@x.com"}, "password": {"12345"}},
			wantStatus: http.StatusBadRequest,
			wantMsg:    form.MsgPasswordTooShort,
		},
		{
			name:       "登録済み",
			values:     url.Values{"name": {"Ana"}, "email": {"ana@x.com"}, "password": {"secret1"}},
			err:        model.NewAuthError(model.KindDuplicateAccount, errors.New("exists")),
			wantStatus: http.StatusConflict,
			wantMsg:    form.MsgDuplicateAccount,
		},
		{
			name:       "弱いパスワード",
			values:     url.Values{"name": {"Ana"}, "email": {"ana@x.com"}, "password": {"secret1"}},
			err:        model.NewAuthError(model.KindAccountCreationFailed, identity.ErrWeakCredential),
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    form.MsgWeakPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				signUpFn: func(context.Context, auth.SignUpInput) (*model.User, error) {
					if tt.err == nil {
						t.Fatal("SignUp must not be called")
					}
					return nil, tt.err
				},
			}
			h := newTestPageHandler(t, svc)

			w := httptest.NewRecorder()
			h.SignUp(w, newFormRequest("/sign-up", tt.values))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := w.Body.String()
			if strings.Count(body, `role="alert"`) != 1 || !strings.Contains(body, tt.wantMsg) {
				t.Errorf("body does not contain exactly one %q message", tt.wantMsg)
			}
			if !strings.Contains(body, `value="ana@x.com"`) {
				t.Error("email input should be kept")
			}
			if strings.Contains(body, tt.values.Get("password")) {
				t.Error("password must not be echoed back")
			}
		})
	}
}

// --- サインイン ---

func TestPageHandler_SignIn_SetsCookieAndRedirectsHome(t *testing.T) {
	h := newTestPageHandler(t, &mockAuthService{})

	w := httptest.NewRecorder()
	h.SignIn(w, newFormRequest("/sign-in", url.Values{"email": {"ana@x.com"}, "password": {"secret1"}}))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/?notice=signed-in" {
		t.Errorf("Location = %q", loc)
	}
	c := findCookie(w.Result(), model.SessionCookieName)
	if c == nil || c.Value != "artifact-1" || !c.HttpOnly {
		t.Errorf("cookie = %+v", c)
	}
}

func TestPageHandler_SignIn_Failures(t *testing.T) {
	tests := []struct {
		name       string
		kind       model.ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{name: "パスワード誤り", kind: model.KindAuthenticationFailed, wantStatus: http.StatusUnauthorized, wantMsg: form.MsgInvalidCredentials},
		{name: "未登録", kind: model.KindUserNotRegistered, wantStatus: http.StatusNotFound, wantMsg: form.MsgUserNotRegistered},
		{name: "プロバイダ障害", kind: model.KindProviderUnavailable, wantStatus: http.StatusServiceUnavailable, wantMsg: form.MsgUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				signInFn: func(context.Context, string, string) (*auth.SignInResult, error) {
					return nil, model.NewAuthError(tt.kind, errors.New("cause"))
				},
			}
			h := newTestPageHandler(t, svc)

			w := httptest.NewRecorder()
			h.SignIn(w, newFormRequest("/sign-in", url.Values{"email": {"ana@x.com"}, "password": {"secret1"}}))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantMsg) {
				t.Errorf("body does not contain %q", tt.wantMsg)
			}
			if c := findCookie(w.Result(), model.SessionCookieName); c != nil {
				t.Error("failed sign-in must not set a session cookie")
			}
		})
	}
}

func TestPageHandler_SignInPage_ShowsNotice(t *testing.T) {
	h := newTestPageHandler(t, &mockAuthService{})

	w := httptest.NewRecorder()
	h.SignInPage(w, httptest.NewRequest(http.MethodGet, "/sign-in?notice=account-created", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), msgAccountCreated) {
		t.Error("expected account-created notice")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPageHandler_SignInPage_IgnoresUnknownNotice(t *testing.T) {
	h := newTestPageHandler(t, &mockAuthService{})

	w := httptest.NewRecorder()
	h.SignInPage(w, httptest.NewRequest(http.MethodGet, "/sign-in?notice=unknown", nil))

	if strings.Contains(w.Body.String(), `role="status"`) {
		t.Error("unknown notice must not be shown")
	}
}

// --- サインアウト ---

func TestPageHandler_SignOut_ClearsCookieAndRedirects(t *testing.T) {
	svc := &mockAuthService{}
	h := newTestPageHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: model.SessionCookieName, Value: "tampered"})
	w := httptest.NewRecorder()
	h.SignOut(w, req)

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/sign-in?notice=signed-out" {
		t.Errorf("Location = %q", loc)
	}
	c := findCookie(w.Result(), model.SessionCookieName)
	if c == nil || c.MaxAge >= 0 {
		t.Errorf("cookie = %+v, want expired", c)
	}
	if len(svc.signOutArtifacts) != 1 || svc.signOutArtifacts[0] != "tampered" {
		t.Errorf("SignOut artifacts = %v", svc.signOutArtifacts)
	}
}

// --- 保護されたページ ---

func TestPageHandler_Home_RendersUser(t *testing.T) {
	h := newTestPageHandler(t, &mockAuthService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/?notice=signed-in", nil), &model.User{ID: "user-1", Name: "Ana"})
	w := httptest.NewRecorder()
	h.Home(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Welcome, Ana") || !strings.Contains(body, "Signed in successfully.") {
		t.Errorf("unexpected body: %s", body)
	}
}

// failingRenderer は常に描画に失敗する。
type failingRenderer struct{}

func (failingRenderer) Render(io.Writer, string, web.PageData) error {
	return errors.New("template error")
}

func TestPageHandler_RenderFailure_Returns500(t *testing.T) {
	h := NewPageHandler(&mockAuthService{}, stubSanitizer{}, failingRenderer{}, testCookieConfig)

	w := httptest.NewRecorder()
	h.SignUpPage(w, httptest.NewRequest(http.MethodGet, "/sign-up", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
