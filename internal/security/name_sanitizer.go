// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizer は利用者が入力した表示名からマークアップを除去する。
// bluemondayのStrictPolicyで全てのタグを取り除き、プレーンテキストとして保存する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizerService は表示名のサニタイズ機能のインターフェースを定義する。
type NameSanitizerService interface {
	// Sanitize は表示名からタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(name string) string
}

// nameSanitizer はNameSanitizerServiceの実装。
// bluemondayのポリシーは並行利用に対して安全。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerServiceの新しいインスタンスを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は表示名をサニタイズする。
// StrictPolicyはテキスト中の&や<をエスケープするため、保存前にプレーンテキストへ戻す。
// 出力時のエスケープはテンプレートが行う。
func (s *nameSanitizer) Sanitize(name string) string {
	cleaned := s.policy.Sanitize(name)
	cleaned = html.UnescapeString(cleaned)
	return strings.Join(strings.Fields(cleaned), " ")
}
