// Package identitytest はテスト用のインメモリIDプロバイダを提供する。
//
// Serverはidentity.Clientが呼び出すREST API（アカウント作成、パスワード認証、
// セッションCookie発行、アカウント参照・更新・削除）、OAuth2トークンエンドポイント、
// 証明書エンドポイントを1つのhttptest.Serverで模倣する。
package identitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/prepwiser/internal/identity"
)

const (
	// ProjectID はフェイクサーバーのプロジェクトID。
	ProjectID = "prepwiser-test"
	// ClientEmail はフェイクサーバーが受け付けるサービスアカウントのメールアドレス。
	ClientEmail = "svc@prepwiser-test.iam.gserviceaccount.com"

	accessToken  = "fake-access-token"
	signingKeyID = "fake-signing-key"
	idTokenTTL   = time.Hour
)

var (
	keysOnce       sync.Once
	signingKey     *rsa.PrivateKey
	signingCertPEM string
	serviceKeyPEM  string
)

// loadKeys はテストバイナリ内で共有する鍵を一度だけ生成する。
func loadKeys(t testing.TB) {
	t.Helper()

	var err error
	keysOnce.Do(func() {
		signingKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "identitytest"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
		}
		var der []byte
		der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &signingKey.PublicKey, signingKey)
		if err != nil {
			return
		}
		signingCertPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

		var serviceKey *rsa.PrivateKey
		serviceKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return
		}
		serviceKeyPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(serviceKey),
		}))
	})
	if err != nil {
		t.Fatalf("identitytest: failed to generate keys: %v", err)
	}
	if signingKey == nil {
		t.Fatal("identitytest: keys were not generated")
	}
}

// ServiceAccountKeyPEM はフェイクサーバー用のサービスアカウント秘密鍵（PEM）を返す。
func ServiceAccountKeyPEM(t testing.TB) string {
	t.Helper()
	loadKeys(t)
	return serviceKeyPEM
}

type account struct {
	uid        string
	email      string
	password   string
	disabled   bool
	validSince int64
}

// Server はインメモリのIDプロバイダ。
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	accounts    map[string]*account // uid -> account
	byEmail     map[string]string   // lower(email) -> uid
	now         func() time.Time
	unavailable bool
	calls       map[string]int
}

// NewServer はフェイクサーバーを起動する。テスト終了時に自動で停止する。
func NewServer(t testing.TB) *Server {
	t.Helper()
	loadKeys(t)

	s := &Server{
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
		now:      time.Now,
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.route))
	t.Cleanup(s.Close)
	return s
}

// Config はフェイクサーバーに接続するidentity.Configを返す。
func (s *Server) Config() identity.Config {
	return identity.Config{
		ProjectID:       ProjectID,
		ClientEmail:     ClientEmail,
		PrivateKey:      serviceKeyPEM,
		ToolkitURL:      s.URL,
		TokenURL:        s.URL + "/token",
		IDTokenCertsURL: s.URL + "/certs/id",
		SessionCertsURL: s.URL + "/certs/session",
		HTTPClient:      s.Client(),
	}
}

// SetNow はフェイクサーバーが発行するトークンの時刻基準を差し替える。
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetUnavailable はtrueの間、REST APIとトークンエンドポイントに503を返させる。
// 証明書エンドポイントは影響を受けない。
func (s *Server) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// AccountCount は登録済みアカウント数を返す。
func (s *Server) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// UIDByEmail はメールアドレスに対応するユーザーIDを返す。
func (s *Server) UIDByEmail(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byEmail[strings.ToLower(email)]
	return uid, ok
}

// AddAccount はアプリケーションを経由せずにアカウントを登録し、ユーザーIDを返す。
func (s *Server) AddAccount(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addAccountLocked(email, password)
}

// DisableAccount はアカウントを無効化する。
func (s *Server) DisableAccount(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[uid]; ok {
		a.disabled = true
	}
}

// Calls は指定操作の呼び出し回数を返す。
// 操作名は "signUp"、"signInWithPassword"、"createSessionCookie"、"lookup"、"update"、"delete"、"token"。
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SignIDToken はフェイクサーバーの署名鍵でIDトークンを発行する。
func (s *Server) SignIDToken(uid, email string, authTime, issuedAt time.Time, ttl time.Duration) string {
	return s.sign(identity.IDTokenIssuerPrefix+ProjectID, uid, email, authTime, issuedAt, ttl)
}

// SignSessionCookie はフェイクサーバーの署名鍵でセッションCookieを発行する。
func (s *Server) SignSessionCookie(uid, email string, authTime, issuedAt time.Time, ttl time.Duration) string {
	return s.sign(identity.SessionIssuerPrefix+ProjectID, uid, email, authTime, issuedAt, ttl)
}

func (s *Server) sign(issuer, uid, email string, authTime, issuedAt time.Time, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"iss":       issuer,
		"aud":       ProjectID,
		"sub":       uid,
		"email":     email,
		"auth_time": authTime.Unix(),
		"iat":       issuedAt.Unix(),
		"exp":       issuedAt.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = signingKeyID

	signed, err := token.SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("identitytest: failed to sign token: %v", err))
	}
	return signed
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	projectPrefix := "/v1/projects/" + ProjectID

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/certs/id",
		r.Method == http.MethodGet && r.URL.Path == "/certs/session":
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, map[string]string{signingKeyID: signingCertPEM})
		return
	case r.Method != http.MethodPost:
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE")
		return
	}

	switch r.URL.Path {
	case "/token":
		s.calls["token"]++
		s.handleToken(w, r)
		return
	case "/v1/accounts:signInWithPassword":
		s.calls["signInWithPassword"]++
		s.handleSignIn(w, r)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+accessToken {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED")
		return
	}

	switch r.URL.Path {
	case projectPrefix + "/accounts":
		s.calls["signUp"]++
		s.handleSignUp(w, r)
	case projectPrefix + ":createSessionCookie":
		s.calls["createSessionCookie"]++
		s.handleCreateSessionCookie(w, r)
	case projectPrefix + "/accounts:lookup":
		s.calls["lookup"]++
		s.handleLookup(w, r)
	case projectPrefix + "/accounts:update":
		s.calls["update"]++
		s.handleUpdate(w, r)
	case projectPrefix + "/accounts:delete":
		s.calls["delete"]++
		s.handleDelete(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" || r.PostForm.Get("assertion") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	switch {
	case !strings.Contains(req.Email, "@"):
		writeError(w, http.StatusBadRequest, "INVALID_EMAIL")
		return
	case len(req.Password) < 6:
		writeError(w, http.StatusBadRequest, "WEAK_PASSWORD : Password should be at least 6 characters")
		return
	}
	if _, exists := s.byEmail[strings.ToLower(req.Email)]; exists {
		writeError(w, http.StatusBadRequest, "EMAIL_EXISTS")
		return
	}

	uid := s.addAccountLocked(req.Email, req.Password)
	writeJSON(w, http.StatusOK, map[string]string{"localId": uid, "email": req.Email})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	uid, ok := s.byEmail[strings.ToLower(req.Email)]
	if !ok {
		writeError(w, http.StatusBadRequest, "EMAIL_NOT_FOUND")
		return
	}
	a := s.accounts[uid]
	if a.password != req.Password {
		writeError(w, http.StatusBadRequest, "INVALID_PASSWORD")
		return
	}
	if a.disabled {
		writeError(w, http.StatusBadRequest, "USER_DISABLED")
		return
	}

	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"localId":   uid,
		"email":     a.email,
		"idToken":   s.SignIDToken(uid, a.email, now, now, idTokenTTL),
		"expiresIn": strconv.Itoa(int(idTokenTTL.Seconds())),
	})
}

func (s *Server) handleCreateSessionCookie(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken       string `json:"idToken"`
		ValidDuration int64  `json:"validDuration"`
	}
	if !decode(w, r, &req) {
		return
	}

	duration := time.Duration(req.ValidDuration) * time.Second
	if duration < identity.MinSessionLifetime || duration > identity.MaxSessionLifetime {
		writeError(w, http.StatusBadRequest, "INVALID_SESSION_COOKIE_DURATION")
		return
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(req.IDToken, claims, func(*jwt.Token) (any, error) {
		return &signingKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(s.now))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID_TOKEN")
		return
	}

	uid, _ := claims["sub"].(string)
	a, ok := s.accounts[uid]
	if !ok {
		writeError(w, http.StatusBadRequest, "USER_NOT_FOUND")
		return
	}
	authTime, _ := claims["auth_time"].(float64)

	now := s.now()
	cookie := s.SignSessionCookie(uid, a.email, time.Unix(int64(authTime), 0), now, duration)
	writeJSON(w, http.StatusOK, map[string]string{"sessionCookie": cookie})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalID []string `json:"localId"`
	}
	if !decode(w, r, &req) {
		return
	}

	users := []map[string]any{}
	for _, uid := range req.LocalID {
		a, ok := s.accounts[uid]
		if !ok {
			continue
		}
		users = append(users, map[string]any{
			"localId":    a.uid,
			"email":      a.email,
			"disabled":   a.disabled,
			"validSince": strconv.FormatInt(a.validSince, 10),
		})
	}

	// 該当なしの場合はusersフィールド自体を返さない
	if len(users) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"kind": "identitytoolkit#GetAccountInfoResponse"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalID    string `json:"localId"`
		ValidSince string `json:"validSince"`
	}
	if !decode(w, r, &req) {
		return
	}

	a, ok := s.accounts[req.LocalID]
	if !ok {
		writeError(w, http.StatusBadRequest, "USER_NOT_FOUND")
		return
	}
	if req.ValidSince != "" {
		v, err := strconv.ParseInt(req.ValidSince, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_VALID_SINCE")
			return
		}
		a.validSince = v
	}
	writeJSON(w, http.StatusOK, map[string]string{"localId": a.uid})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalID string `json:"localId"`
	}
	if !decode(w, r, &req) {
		return
	}

	a, ok := s.accounts[req.LocalID]
	if !ok {
		writeError(w, http.StatusBadRequest, "USER_NOT_FOUND")
		return
	}
	delete(s.byEmail, strings.ToLower(a.email))
	delete(s.accounts, a.uid)
	writeJSON(w, http.StatusOK, map[string]string{"kind": "identitytoolkit#DeleteAccountResponse"})
}

func (s *Server) addAccountLocked(email, password string) string {
	uid := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.accounts[uid] = &account{uid: uid, email: email, password: password}
	s.byEmail[strings.ToLower(email)] = uid
	return uid
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
