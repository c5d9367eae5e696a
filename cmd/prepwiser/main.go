// Command prepwiser はAI面接練習サービスのWebフロントエンドを起動する。
//
// 使い方:
//
//	prepwiser [serve]                 Webサーバーを起動する
//	prepwiser migrate                 データベースマイグレーションを適用する
//	prepwiser healthcheck             稼働中のサーバーの /health を確認する
//	prepwiser revoke-sessions <uid>   アカウントの全セッションを失効させる
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/prepwiser/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
