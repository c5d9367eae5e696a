// Package repositorytest はテスト用のインメモリリポジトリを提供する。
package repositorytest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/repository"
)

// コンパイル時にインターフェースの実装を検証する。
var _ repository.UserRepository = (*UserRepo)(nil)

// ErrUnavailable はSetUnavailable中に全操作が返すエラー。
var ErrUnavailable = errors.New("repositorytest: store unavailable")

// UserRepo はUserRepositoryのインメモリ実装。
type UserRepo struct {
	mu          sync.Mutex
	users       map[string]*model.User
	unavailable bool
	failInsert  error
}

// NewUserRepo はUserRepoを生成する。
func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[string]*model.User)}
}

// SetUnavailable はtrueの間、全操作をErrUnavailableで失敗させる。
func (r *UserRepo) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

// FailInsert は次回以降のInsertを指定エラーで失敗させる。nilで解除する。
func (r *UserRepo) FailInsert(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failInsert = err
}

// Count は登録済みユーザー数を返す。
func (r *UserRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Put はサービスを経由せずにユーザーを登録する。
func (r *UserRepo) Put(user *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *user
	r.users[u.ID] = &u
}

func (r *UserRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return false, err
	}
	_, ok := r.users[id]
	return ok, nil
}

func (r *UserRepo) Insert(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	if r.failInsert != nil {
		return r.failInsert
	}
	if _, ok := r.users[user.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if r.findByEmailLocked(user.Email) != nil {
		return repository.ErrAlreadyExists
	}
	u := *user
	r.users[u.ID] = &u
	return nil
}

func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.findByEmailLocked(email), nil
}

func (r *UserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) DeleteByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	if _, ok := r.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *UserRepo) check(ctx context.Context) error {
	if r.unavailable {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (r *UserRepo) findByEmailLocked(email string) *model.User {
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp
		}
	}
	return nil
}
