package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	existsFn      func(ctx context.Context, id string) (bool, error)
	insertFn      func(ctx context.Context, user *model.User) error
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) Exists(ctx context.Context, id string) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, id)
	}
	return false, nil
}

func (m *mockUserRepo) Insert(ctx context.Context, user *model.User) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockProvider struct {
	createAccountFn     func(ctx context.Context, email, password string) (string, error)
	verifyCredentialsFn func(ctx context.Context, email, password string) (string, error)
	verifyTokenFn       func(ctx context.Context, idToken string) (*identity.Token, error)
	issueSessionFn      func(ctx context.Context, idToken string, lifetime time.Duration) (string, error)
	verifySessionFn     func(ctx context.Context, artifact string, checkRevocation bool) (*identity.Token, error)
	deleteAccountFn     func(ctx context.Context, uid string) error

	createCalls int
	deleted     []string
}

func (m *mockProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	m.createCalls++
	if m.createAccountFn != nil {
		return m.createAccountFn(ctx, email, password)
	}
	return "uid-1", nil
}

func (m *mockProvider) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	if m.verifyCredentialsFn != nil {
		return m.verifyCredentialsFn(ctx, email, password)
	}
	return "id-token", nil
}

func (m *mockProvider) VerifyToken(ctx context.Context, idToken string) (*identity.Token, error) {
	if m.verifyTokenFn != nil {
		return m.verifyTokenFn(ctx, idToken)
	}
	return &identity.Token{UID: "uid-1"}, nil
}

func (m *mockProvider) IssueSessionArtifact(ctx context.Context, idToken string, lifetime time.Duration) (string, error) {
	if m.issueSessionFn != nil {
		return m.issueSessionFn(ctx, idToken, lifetime)
	}
	return "session-artifact", nil
}

func (m *mockProvider) VerifySessionArtifact(ctx context.Context, artifact string, checkRevocation bool) (*identity.Token, error) {
	if m.verifySessionFn != nil {
		return m.verifySessionFn(ctx, artifact, checkRevocation)
	}
	return &identity.Token{UID: "uid-1"}, nil
}

func (m *mockProvider) DeleteAccount(ctx context.Context, uid string) error {
	m.deleted = append(m.deleted, uid)
	if m.deleteAccountFn != nil {
		return m.deleteAccountFn(ctx, uid)
	}
	return nil
}

type mockMetrics struct {
	sessionChecks []string
	signUps       []string
	signIns       []string
}

func (m *mockMetrics) RecordSessionCheck(outcome string) {
	m.sessionChecks = append(m.sessionChecks, outcome)
}

func (m *mockMetrics) RecordSignUp(outcome string) { m.signUps = append(m.signUps, outcome) }

func (m *mockMetrics) RecordSignIn(outcome string) { m.signIns = append(m.signIns, outcome) }

func (m *mockMetrics) RecordProviderLatency(string, time.Duration) {}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ IdentityProvider = (*mockProvider)(nil)
var _ IdentityProvider = (*identity.Client)(nil)
var _ MetricsRecorder = (*mockMetrics)(nil)

var testConfig = ServiceConfig{
	SessionLifetime: 7 * 24 * time.Hour,
	ProviderTimeout: time.Second,
	StoreTimeout:    time.Second,
}

func assertKind(t *testing.T, err error, want model.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := model.KindOf(err); got != want {
		t.Errorf("error kind = %q, want %q (err = %v)", got, want, err)
	}
}

// --- SignUp ---

func TestSignUp_NewUser_CreatesAccountAndRecord(t *testing.T) {
	var inserted *model.User
	repo := &mockUserRepo{
		insertFn: func(_ context.Context, user *model.User) error {
			inserted = user
			return nil
		},
	}
	metrics := &mockMetrics{}
	svc := NewService(&mockProvider{}, repo, metrics, testConfig)

	user, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	if user.ID != "uid-1" {
		t.Errorf("user.ID = %q, want %q", user.ID, "uid-1")
	}
	if inserted == nil || inserted.Email != "ana@x.com" || inserted.Name != "Ana" {
		t.Errorf("inserted = %+v, want name Ana and email ana@x.com", inserted)
	}
	if len(metrics.signUps) != 1 || metrics.signUps[0] != "success" {
		t.Errorf("sign-up metrics = %v, want [success]", metrics.signUps)
	}
}

func TestSignUp_EmailAlreadyInStore_DoesNotCallProvider(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(_ context.Context, _ string) (*model.User, error) {
			return &model.User{ID: "existing", Email: "ana@x.com"}, nil
		},
	}
	provider := &mockProvider{}
	svc := NewService(provider, repo, nil, testConfig)

	_, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

	assertKind(t, err, model.KindDuplicateAccount)
	if provider.createCalls != 0 {
		t.Errorf("CreateAccount called %d times, want 0", provider.createCalls)
	}
}

func TestSignUp_ProviderFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{name: "プロバイダ側で重複", err: identity.ErrAlreadyExists, want: model.KindDuplicateAccount},
		{name: "弱いパスワード", err: identity.ErrWeakCredential, want: model.KindAccountCreationFailed},
		{name: "無効化された認証方式", err: identity.ErrOperationNotAllowed, want: model.KindAccountCreationFailed},
		{name: "プロバイダ到達不能", err: identity.ErrUnavailable, want: model.KindAccountCreationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockUserRepo{
				insertFn: func(context.Context, *model.User) error {
					t.Fatal("Insert must not be called when account creation fails")
					return nil
				},
			}
			provider := &mockProvider{
				createAccountFn: func(context.Context, string, string) (string, error) {
					return "", fmt.Errorf("create: %w", tt.err)
				},
			}
			svc := NewService(provider, repo, nil, testConfig)

			_, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

			assertKind(t, err, tt.want)
			if !errors.Is(err, tt.err) {
				t.Errorf("expected cause %v to be preserved, got %v", tt.err, err)
			}
		})
	}
}

func TestSignUp_StoreLookupFails_ReturnsStoreUnavailable(t *testing.T) {
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*model.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	provider := &mockProvider{}
	svc := NewService(provider, repo, nil, testConfig)

	_, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

	assertKind(t, err, model.KindStoreUnavailable)
	if provider.createCalls != 0 {
		t.Errorf("CreateAccount called %d times, want 0", provider.createCalls)
	}
}

func TestSignUp_InsertFails_DeletesProviderAccount(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		want      model.ErrorKind
	}{
		{name: "ストア障害", insertErr: errors.New("disk full"), want: model.KindStoreUnavailable},
		{name: "並行登録による重複", insertErr: repository.ErrAlreadyExists, want: model.KindDuplicateAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockUserRepo{
				insertFn: func(context.Context, *model.User) error { return tt.insertErr },
			}
			provider := &mockProvider{}
			svc := NewService(provider, repo, nil, testConfig)

			_, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

			assertKind(t, err, tt.want)
			if len(provider.deleted) != 1 || provider.deleted[0] != "uid-1" {
				t.Errorf("deleted accounts = %v, want [uid-1]", provider.deleted)
			}
		})
	}
}

func TestSignUp_CompensationRunsAfterCallerContextExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	repo := &mockUserRepo{
		insertFn: func(context.Context, *model.User) error {
			cancel()
			return context.Canceled
		},
	}
	var deleteCtxErr error
	provider := &mockProvider{
		deleteAccountFn: func(ctx context.Context, _ string) error {
			deleteCtxErr = ctx.Err()
			return nil
		},
	}
	svc := NewService(provider, repo, nil, testConfig)

	_, err := svc.SignUp(ctx, SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

	assertKind(t, err, model.KindStoreUnavailable)
	if len(provider.deleted) != 1 {
		t.Fatalf("deleted accounts = %v, want one", provider.deleted)
	}
	if deleteCtxErr != nil {
		t.Errorf("compensation context already done: %v", deleteCtxErr)
	}
}

func TestSignUp_RecordAlreadyExistsForUID_ReturnsDuplicate(t *testing.T) {
	repo := &mockUserRepo{
		existsFn: func(context.Context, string) (bool, error) { return true, nil },
		insertFn: func(context.Context, *model.User) error {
			t.Fatal("Insert must not be called for an existing uid")
			return nil
		},
	}
	svc := NewService(&mockProvider{}, repo, nil, testConfig)

	_, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ana", Email: "ana@x.com", Password: "secret1"})

	assertKind(t, err, model.KindDuplicateAccount)
}

// --- SignIn ---

func TestSignIn_Success_ReturnsArtifact(t *testing.T) {
	var gotLifetime time.Duration
	provider := &mockProvider{
		issueSessionFn: func(_ context.Context, idToken string, lifetime time.Duration) (string, error) {
			if idToken != "id-token" {
				t.Errorf("idToken = %q, want %q", idToken, "id-token")
			}
			gotLifetime = lifetime
			return "artifact-1", nil
		},
	}
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ID: "uid-1", Email: "ana@x.com"}, nil
		},
	}
	metrics := &mockMetrics{}
	svc := NewService(provider, repo, metrics, testConfig)

	result, err := svc.SignIn(context.Background(), "ana@x.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	if result.SessionArtifact != "artifact-1" || result.UserID != "uid-1" {
		t.Errorf("result = %+v", result)
	}
	if gotLifetime != testConfig.SessionLifetime {
		t.Errorf("lifetime = %v, want %v", gotLifetime, testConfig.SessionLifetime)
	}
	if len(metrics.signIns) != 1 || metrics.signIns[0] != "success" {
		t.Errorf("sign-in metrics = %v, want [success]", metrics.signIns)
	}
}

func TestSignIn_Failures(t *testing.T) {
	registered := func(context.Context, string) (*model.User, error) {
		return &model.User{ID: "uid-1", Email: "ana@x.com"}, nil
	}

	tests := []struct {
		name     string
		provider *mockProvider
		repo     *mockUserRepo
		want     model.ErrorKind
	}{
		{
			name: "パスワード誤り",
			provider: &mockProvider{
				verifyCredentialsFn: func(context.Context, string, string) (string, error) {
					return "", identity.ErrBadCredential
				},
			},
			repo: &mockUserRepo{findByEmailFn: registered},
			want: model.KindAuthenticationFailed,
		},
		{
			name: "プロバイダ到達不能",
			provider: &mockProvider{
				verifyCredentialsFn: func(context.Context, string, string) (string, error) {
					return "", fmt.Errorf("%w: 503", identity.ErrUnavailable)
				},
			},
			repo: &mockUserRepo{findByEmailFn: registered},
			want: model.KindProviderUnavailable,
		},
		{
			name:     "ユーザーレコード無し",
			provider: &mockProvider{},
			repo:     &mockUserRepo{},
			want:     model.KindUserNotRegistered,
		},
		{
			name:     "ストア障害",
			provider: &mockProvider{},
			repo: &mockUserRepo{
				findByEmailFn: func(context.Context, string) (*model.User, error) {
					return nil, errors.New("timeout")
				},
			},
			want: model.KindStoreUnavailable,
		},
		{
			name: "別ユーザーのメールアドレス",
			provider: &mockProvider{
				verifyTokenFn: func(context.Context, string) (*identity.Token, error) {
					return &identity.Token{UID: "someone-else"}, nil
				},
			},
			repo: &mockUserRepo{findByEmailFn: registered},
			want: model.KindAuthenticationFailed,
		},
		{
			name: "セッション発行失敗",
			provider: &mockProvider{
				issueSessionFn: func(context.Context, string, time.Duration) (string, error) {
					return "", identity.ErrInvalid
				},
			},
			repo: &mockUserRepo{findByEmailFn: registered},
			want: model.KindAuthenticationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &mockMetrics{}
			svc := NewService(tt.provider, tt.repo, metrics, testConfig)

			result, err := svc.SignIn(context.Background(), "ana@x.com", "secret1")

			assertKind(t, err, tt.want)
			if result != nil {
				t.Errorf("expected nil result, got %+v", result)
			}
			if len(metrics.signIns) != 1 || metrics.signIns[0] != string(tt.want) {
				t.Errorf("sign-in metrics = %v, want [%s]", metrics.signIns, tt.want)
			}
		})
	}
}

func TestSignIn_ProviderTimeout_ReturnsProviderUnavailable(t *testing.T) {
	provider := &mockProvider{
		verifyCredentialsFn: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", fmt.Errorf("%w: %w", identity.ErrUnavailable, ctx.Err())
		},
	}
	cfg := testConfig
	cfg.ProviderTimeout = 10 * time.Millisecond
	svc := NewService(provider, &mockUserRepo{}, nil, cfg)

	_, err := svc.SignIn(context.Background(), "ana@x.com", "secret1")

	assertKind(t, err, model.KindProviderUnavailable)
}

// --- CheckSession ---

func TestCheckSession_Reasons(t *testing.T) {
	tests := []struct {
		name      string
		artifact  string
		verifyErr error
		findByID  func(context.Context, string) (*model.User, error)
		want      SessionReason
	}{
		{name: "Cookie無し", artifact: "", want: ReasonMissing},
		{name: "改ざん", artifact: "x", verifyErr: identity.ErrInvalid, want: ReasonInvalid},
		{name: "期限切れ", artifact: "x", verifyErr: fmt.Errorf("%w: exp", identity.ErrExpired), want: ReasonExpired},
		{name: "失効済み", artifact: "x", verifyErr: identity.ErrRevoked, want: ReasonRevoked},
		{name: "プロバイダ到達不能", artifact: "x", verifyErr: identity.ErrUnavailable, want: ReasonProviderUnavailable},
		{name: "タイムアウト", artifact: "x", verifyErr: context.DeadlineExceeded, want: ReasonProviderUnavailable},
		{
			name:     "ユーザーレコード削除済み",
			artifact: "x",
			findByID: func(context.Context, string) (*model.User, error) { return nil, nil },
			want:     ReasonUserNotFound,
		},
		{
			name:     "ストア障害",
			artifact: "x",
			findByID: func(context.Context, string) (*model.User, error) { return nil, errors.New("down") },
			want:     ReasonStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var checkedRevocation bool
			provider := &mockProvider{
				verifySessionFn: func(_ context.Context, _ string, checkRevocation bool) (*identity.Token, error) {
					checkedRevocation = checkRevocation
					if tt.verifyErr != nil {
						return nil, tt.verifyErr
					}
					return &identity.Token{UID: "uid-1"}, nil
				},
			}
			metrics := &mockMetrics{}
			svc := NewService(provider, &mockUserRepo{findByIDFn: tt.findByID}, metrics, testConfig)

			state := svc.CheckSession(context.Background(), tt.artifact)

			if state.Authenticated() {
				t.Fatalf("expected unauthenticated state, got user %+v", state.User)
			}
			if state.Reason != tt.want {
				t.Errorf("reason = %q, want %q", state.Reason, tt.want)
			}
			if kind := model.KindOf(state.Err()); kind != model.KindSessionInvalid {
				t.Errorf("Err() kind = %q, want %q", kind, model.KindSessionInvalid)
			}
			if tt.artifact != "" && !checkedRevocation {
				t.Error("expected revocation check to be requested")
			}
			if len(metrics.sessionChecks) != 1 || metrics.sessionChecks[0] != string(tt.want) {
				t.Errorf("session metrics = %v, want [%s]", metrics.sessionChecks, tt.want)
			}
		})
	}
}

func TestCheckSession_Valid_ReturnsUser(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Name: "Ana", Email: "ana@x.com"}, nil
		},
	}
	svc := NewService(&mockProvider{}, repo, nil, testConfig)

	state := svc.CheckSession(context.Background(), "artifact")

	if !state.Authenticated() {
		t.Fatalf("expected authenticated, reason = %q", state.Reason)
	}
	if err := state.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if state.User.ID != "uid-1" {
		t.Errorf("user.ID = %q, want %q", state.User.ID, "uid-1")
	}
	if u := svc.CurrentUser(context.Background(), "artifact"); u == nil || u.Name != "Ana" {
		t.Errorf("CurrentUser() = %+v", u)
	}
	if !svc.IsAuthenticated(context.Background(), "artifact") {
		t.Error("IsAuthenticated() = false, want true")
	}
}

// --- SignOut ---

func TestSignOut_NeverFails(t *testing.T) {
	provider := &mockProvider{
		verifySessionFn: func(context.Context, string, bool) (*identity.Token, error) {
			return nil, identity.ErrUnavailable
		},
	}
	svc := NewService(provider, &mockUserRepo{}, nil, testConfig)

	// 戻り値が無いため、パニックしないことのみを確認する
	svc.SignOut(context.Background(), "")
	svc.SignOut(context.Background(), "garbage")
}

func TestOutcomeOf(t *testing.T) {
	if got := outcomeOf(nil); got != "success" {
		t.Errorf("outcomeOf(nil) = %q", got)
	}
	if got := outcomeOf(errors.New("x")); got != "unknown" {
		t.Errorf("outcomeOf(plain) = %q", got)
	}
	if got := outcomeOf(model.NewAuthError(model.KindUserNotRegistered, nil)); got != "USER_NOT_REGISTERED" {
		t.Errorf("outcomeOf(auth) = %q", got)
	}
}
