// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// IDはIDプロバイダが払い出したユーザーIDで、サインアップ時に一度だけ作成される。
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// SessionCookieName はセッションCookieの名前。
const SessionCookieName = "session"
