package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebサーバーを起動する。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーの/healthを確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandRevokeSessions は指定したアカウントの全セッションを失効させる。
	CommandRevokeSessions Command = "revoke-sessions"
)

var commands = []Command{CommandServe, CommandMigrate, CommandHealthcheck, CommandRevokeSessions}

// ErrUnknownCommand はサポート外のサブコマンドが指定されたことを表す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を取り出す。
// 引数が空の場合はCommandServeを返す。
func ParseCommand(args []string) (Command, []string, error) {
	if len(args) == 0 {
		return CommandServe, nil, nil
	}

	for _, c := range commands {
		if args[0] == string(c) {
			return c, args[1:], nil
		}
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "", nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownCommand, args[0], strings.Join(names, ", "))
}
