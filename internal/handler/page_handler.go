package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/form"
	"github.com/hitoshi/prepwiser/internal/middleware"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/security"
	"github.com/hitoshi/prepwiser/internal/web"
)

// リダイレクト先に付与する通知の識別子。
const (
	noticeAccountCreated = "account-created"
	noticeSignedIn       = "signed-in"
	noticeSignedOut      = "signed-out"
)

var noticeMessages = map[string]string{
	noticeAccountCreated: msgAccountCreated,
	noticeSignedIn:       "Signed in successfully.",
	noticeSignedOut:      msgSignedOut,
}

// PageRenderer はHTMLページの描画インターフェース。web.Templatesが実装する。
type PageRenderer interface {
	Render(w io.Writer, page string, data web.PageData) error
}

// PageHandler はサインイン・サインアップフォームと保護されたページを提供する。
// フォームの失敗は入力を保持したまま1件のメッセージとともに再表示する。
type PageHandler struct {
	service   AuthServiceInterface
	sanitizer security.NameSanitizerService
	pages     PageRenderer
	cookie    auth.CookieConfig
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(service AuthServiceInterface, sanitizer security.NameSanitizerService, pages PageRenderer, cookie auth.CookieConfig) *PageHandler {
	return &PageHandler{
		service:   service,
		sanitizer: sanitizer,
		pages:     pages,
		cookie:    cookie,
	}
}

// SignInPage はサインインフォームを表示する。
// GET /sign-in
func (h *PageHandler) SignInPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, web.PageSignIn, web.PageData{
		Title:  "Sign in",
		Notice: noticeFrom(r),
	})
}

// SignIn はフォームの資格情報でサインインし、ホームへリダイレクトする。
// POST /sign-in
func (h *PageHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	f := form.SignIn{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	f.Normalize()

	data := web.PageData{Title: "Sign in", Email: f.Email}
	if err := f.Validate(); err != nil {
		data.Error = form.Message(err)
		h.render(w, r, http.StatusBadRequest, web.PageSignIn, data)
		return
	}

	result, err := h.service.SignIn(r.Context(), f.Email, f.Password)
	if err != nil {
		slog.Info("sign-in failed", slog.String("kind", string(model.KindOf(err))))
		data.Error = form.Message(err)
		h.render(w, r, statusOf(err), web.PageSignIn, data)
		return
	}

	http.SetCookie(w, auth.NewSessionCookie(h.cookie, result.SessionArtifact))
	http.Redirect(w, r, "/?notice="+noticeSignedIn, http.StatusSeeOther)
}

// SignUpPage はサインアップフォームを表示する。
// GET /sign-up
func (h *PageHandler) SignUpPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, web.PageSignUp, web.PageData{Title: "Sign up"})
}

// SignUp はアカウントを作成し、サインインページへリダイレクトする。
// POST /sign-up
func (h *PageHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	f := form.SignUp{
		Name:     h.sanitizer.Sanitize(r.PostFormValue("name")),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	f.Normalize()

	data := web.PageData{Title: "Sign up", Name: f.Name, Email: f.Email}
	if err := f.Validate(); err != nil {
		data.Error = form.Message(err)
		h.render(w, r, http.StatusBadRequest, web.PageSignUp, data)
		return
	}

	_, err := h.service.SignUp(r.Context(), auth.SignUpInput{
		Name:     f.Name,
		Email:    f.Email,
		Password: f.Password,
	})
	if err != nil {
		slog.Info("sign-up failed", slog.String("kind", string(model.KindOf(err))))
		data.Error = form.Message(err)
		h.render(w, r, statusOf(err), web.PageSignUp, data)
		return
	}

	http.Redirect(w, r, "/sign-in?notice="+noticeAccountCreated, http.StatusSeeOther)
}

// SignOut はセッションCookieを削除し、サインインページへリダイレクトする。
// POST /sign-out
func (h *PageHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.service.SignOut(r.Context(), auth.ArtifactFromRequest(r))
	http.SetCookie(w, auth.ExpiredSessionCookie(h.cookie))
	http.Redirect(w, r, "/sign-in?notice="+noticeSignedOut, http.StatusSeeOther)
}

// Home はホームページを表示する。AccessGateの後段で使う。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, web.PageHome, web.PageData{
		Title:  "Home",
		Notice: noticeFrom(r),
	})
}

// Interview は面接練習ページを表示する。AccessGateの後段で使う。
// GET /interview
func (h *PageHandler) Interview(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, web.PageInterview, web.PageData{Title: "Interview"})
}

// render はページを描画する。CSRFトークンと認証済みユーザーはコンテキストから補う。
// 描画に失敗した場合は何も書き込まずに500を返す。
func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, page string, data web.PageData) {
	data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	if user, err := middleware.UserFromContext(r.Context()); err == nil {
		data.User = user
	}

	var buf bytes.Buffer
	if err := h.pages.Render(&buf, page, data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("failed to write page", slog.String("error", err.Error()))
	}
}

// noticeFrom はクエリの通知識別子に対応するメッセージを返す。未知の識別子は無視する。
func noticeFrom(r *http.Request) string {
	return noticeMessages[r.URL.Query().Get("notice")]
}
