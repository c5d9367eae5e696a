package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/prepwiser/internal/model"
)

// ErrorResponseBody はJSON APIのエラーレスポンス。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// internalErrorPage はHTMLページへのリクエストが内部エラーで失敗したときの本文。
const internalErrorPage = "Something went wrong on our side. Please go back and try again.\n"

// WriteErrorResponse はAPIErrorをJSONで書き込む。
// エラーレスポンスは認証状態に依存するため、キャッシュさせない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部エラーを一般的なメッセージで返す。詳細はログにのみ残すこと。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	})
}

// writeInternalError はリクエストの種類に合わせて内部エラーを書き込む。
// ブラウザのページ遷移にはプレーンテキストを、それ以外には JSON を返す。
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	if !wantsHTML(r) {
		WriteInternalServerError(w)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, internalErrorPage, http.StatusInternalServerError)
}

// wantsHTML はリクエストがAPIではなくHTMLページを求めているかどうかを判定する。
func wantsHTML(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
