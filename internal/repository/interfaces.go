// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/prepwiser/internal/model"
)

var (
	// ErrAlreadyExists は同一IDまたは同一メールアドレスのレコードが既に存在することを表す。
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound は対象レコードが存在しないことを表す。
	ErrNotFound = errors.New("record not found")
)

// UserRepository はユーザーレコードの永続化インターフェース。
// 操作間のトランザクションは提供しない。並行リクエストによる書き込みが
// 直後の読み込みに反映されていない可能性を呼び出し側が許容すること。
type UserRepository interface {
	// Exists は指定IDのユーザーが存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)

	// Insert はユーザーを作成する。IDまたはメールアドレスが重複する場合はErrAlreadyExistsを返す。
	Insert(ctx context.Context, user *model.User) error

	// FindByEmail はメールアドレスでユーザーを検索する。大文字小文字は区別しない。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。存在しない場合はErrNotFoundを返す。
	DeleteByID(ctx context.Context, id string) error
}
