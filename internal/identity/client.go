// Package identity はIDプロバイダ（Identity Toolkit互換のREST API）のクライアントを提供する。
//
// アカウント作成・パスワード認証・セッションCookieの発行はREST API経由で行い、
// IDトークンとセッションCookieの検証はプロバイダが公開する証明書を用いてローカルで行う。
// 管理APIの呼び出しはサービスアカウントの秘密鍵で署名したJWTから取得したOAuth2アクセストークンで認可する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	oauth2jwt "golang.org/x/oauth2/jwt"
)

// 既定のエンドポイント。
const (
	DefaultToolkitURL      = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL        = "https://oauth2.googleapis.com/token"
	DefaultIDTokenCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	DefaultSessionCertsURL = "https://www.googleapis.com/identitytoolkit/v3/relyingparty/publicKeys"
)

// トークンの発行者。末尾にプロジェクトIDが付く。
const (
	IDTokenIssuerPrefix = "https://securetoken.google.com/"
	SessionIssuerPrefix = "https://session.firebase.google.com/"
)

// セッションCookieの有効期間の制約。
const (
	MinSessionLifetime = 5 * time.Minute
	MaxSessionLifetime = 14 * 24 * time.Hour
)

const (
	// maxAuthAge はセッションCookieと交換できるIDトークンの認証からの経過時間の上限。
	maxAuthAge = 5 * time.Minute

	defaultHTTPTimeout = 10 * time.Second
	maxResponseSize    = 1 << 20
)

var serviceAccountScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Config はClientの生成に必要な設定。
type Config struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string // PEM
	APIKey      string

	ToolkitURL      string
	TokenURL        string
	IDTokenCertsURL string
	SessionCertsURL string

	// HTTPClient は外部呼び出しのベースクライアント。nilの場合はタイムアウト付きの既定クライアントを使う。
	HTTPClient *http.Client
	// Now は現在時刻を返す。テスト用。nilの場合はtime.Now。
	Now func() time.Time
}

// Token は検証済みのIDトークンまたはセッションCookieの内容。
type Token struct {
	UID       string
	Email     string
	AuthTime  time.Time
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Client はIDプロバイダのクライアント。
// 明示的に生成して依存先に注入し、終了時にCloseを呼ぶ。並行利用に対して安全。
type Client struct {
	projectID   string
	apiKey      string
	toolkitURL  string
	fingerprint string

	base         *http.Client
	httpClient   *http.Client
	idTokenCerts *certCache
	sessionCerts *certCache
	now          func() time.Time
}

// New はClientを生成する。
// 秘密鍵が未設定または解析できない場合はエラーを返す。
func New(cfg Config) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("identity: project id is required")
	}
	if cfg.ClientEmail == "" {
		return nil, fmt.Errorf("identity: client email is required")
	}

	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	fingerprint, err := KeyFingerprint(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	sa := &oauth2jwt.Config{
		Email:      cfg.ClientEmail,
		PrivateKey: []byte(cfg.PrivateKey),
		Scopes:     serviceAccountScopes,
		TokenURL:   orDefault(cfg.TokenURL, DefaultTokenURL),
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		projectID:    cfg.ProjectID,
		apiKey:       cfg.APIKey,
		toolkitURL:   orDefault(cfg.ToolkitURL, DefaultToolkitURL),
		fingerprint:  fingerprint,
		base:         base,
		httpClient:   sa.Client(tokenCtx),
		idTokenCerts: newCertCache(orDefault(cfg.IDTokenCertsURL, DefaultIDTokenCertsURL), base, now),
		sessionCerts: newCertCache(orDefault(cfg.SessionCertsURL, DefaultSessionCertsURL), base, now),
		now:          now,
	}, nil
}

// KeyFingerprint はサービスアカウント公開鍵のフィンガープリントを返す。
func (c *Client) KeyFingerprint() string {
	return c.fingerprint
}

// Close はアイドル接続を解放する。
func (c *Client) Close() {
	c.base.CloseIdleConnections()
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、プロバイダのユーザーIDを返す。
// ErrAlreadyExists、ErrWeakCredential、ErrInvalidEmail、ErrOperationNotAllowed、ErrUnavailableのいずれかで失敗する。
func (c *Client) CreateAccount(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		LocalID string `json:"localId"`
	}
	err := c.post(ctx, c.projectPath("/accounts"), map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}
	if resp.LocalID == "" {
		return "", fmt.Errorf("failed to create account: %w: empty localId", ErrUnavailable)
	}
	return resp.LocalID, nil
}

// VerifyCredentials はメールアドレスとパスワードを検証し、短命のIDトークンを返す。
// ErrNotFound、ErrBadCredential、ErrUnavailableのいずれかで失敗する。
func (c *Client) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		IDToken string `json:"idToken"`
	}
	err := c.post(ctx, "/v1/accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to verify credentials: %w", err)
	}
	if resp.IDToken == "" {
		return "", fmt.Errorf("failed to verify credentials: %w: empty idToken", ErrUnavailable)
	}
	return resp.IDToken, nil
}

// VerifyToken はIDトークンを検証する。
// ErrInvalid、ErrExpired、ErrUnavailable（証明書取得失敗）のいずれかで失敗する。
func (c *Client) VerifyToken(ctx context.Context, idToken string) (*Token, error) {
	return c.verify(ctx, idToken, c.idTokenCerts, IDTokenIssuerPrefix+c.projectID)
}

// IssueSessionArtifact はIDトークンを指定期間有効なセッションCookieと交換する。
// IDトークンは直近に認証されたものでなければならない。
func (c *Client) IssueSessionArtifact(ctx context.Context, idToken string, lifetime time.Duration) (string, error) {
	if lifetime < MinSessionLifetime || lifetime > MaxSessionLifetime {
		return "", fmt.Errorf("%w: session lifetime %s out of range", ErrInvalid, lifetime)
	}

	tok, err := c.VerifyToken(ctx, idToken)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.now().Sub(tok.AuthTime) > maxAuthAge {
		return "", fmt.Errorf("%w: recent sign-in required", ErrInvalid)
	}

	var resp struct {
		SessionCookie string `json:"sessionCookie"`
	}
	err = c.post(ctx, c.projectPath(":createSessionCookie"), map[string]any{
		"idToken":       idToken,
		"validDuration": int64(lifetime / time.Second),
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create session cookie: %w", err)
	}
	if resp.SessionCookie == "" {
		return "", fmt.Errorf("failed to create session cookie: %w: empty sessionCookie", ErrUnavailable)
	}
	return resp.SessionCookie, nil
}

// VerifySessionArtifact はセッションCookieを検証する。
// checkRevocationがtrueの場合はアカウントの削除・無効化・セッション失効も確認する。
// ErrInvalid、ErrExpired、ErrRevoked、ErrUnavailableのいずれかで失敗する。
func (c *Client) VerifySessionArtifact(ctx context.Context, artifact string, checkRevocation bool) (*Token, error) {
	tok, err := c.verify(ctx, artifact, c.sessionCerts, SessionIssuerPrefix+c.projectID)
	if err != nil {
		return nil, err
	}
	if checkRevocation {
		if err := c.checkRevoked(ctx, tok); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// DeleteAccount はアカウントを削除する。
func (c *Client) DeleteAccount(ctx context.Context, uid string) error {
	err := c.post(ctx, c.projectPath("/accounts:delete"), map[string]any{
		"localId": uid,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// RevokeSessions はアカウントの発行済みセッションをすべて失効させる。
// 現在時刻より前に認証されたセッションCookieは以降の失効確認で拒否される。
func (c *Client) RevokeSessions(ctx context.Context, uid string) error {
	err := c.post(ctx, c.projectPath("/accounts:update"), map[string]any{
		"localId":    uid,
		"validSince": strconv.FormatInt(c.now().Unix(), 10),
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return nil
}

// checkRevoked はセッションCookieが指すアカウントの状態を確認する。
func (c *Client) checkRevoked(ctx context.Context, tok *Token) error {
	var resp struct {
		Users []struct {
			LocalID    string `json:"localId"`
			Disabled   bool   `json:"disabled"`
			ValidSince string `json:"validSince"`
		} `json:"users"`
	}
	err := c.post(ctx, c.projectPath("/accounts:lookup"), map[string]any{
		"localId": []string{tok.UID},
	}, &resp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: account deleted", ErrRevoked)
		}
		return fmt.Errorf("failed to look up account: %w", err)
	}

	if len(resp.Users) == 0 {
		return fmt.Errorf("%w: account deleted", ErrRevoked)
	}
	account := resp.Users[0]
	if account.Disabled {
		return fmt.Errorf("%w: account disabled", ErrRevoked)
	}
	if account.ValidSince != "" {
		validSince, err := strconv.ParseInt(account.ValidSince, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed validSince %q", ErrUnavailable, account.ValidSince)
		}
		if tok.AuthTime.Unix() < validSince {
			return fmt.Errorf("%w: sessions revoked", ErrRevoked)
		}
	}
	return nil
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post はREST APIにJSONをPOSTし、成功時のレスポンスをoutにデコードする。
// 通信エラーと5xx応答はErrUnavailableとして扱う。
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := c.toolkitURL + path
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return newResponseError(resp.StatusCode, eb.Error.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) projectPath(suffix string) string {
	return "/v1/projects/" + c.projectID + suffix
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
