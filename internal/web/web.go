// Package web は埋め込みのHTMLテンプレートからページを描画する。
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/hitoshi/prepwiser/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページ名。
const (
	PageSignIn    = "sign-in"
	PageSignUp    = "sign-up"
	PageHome      = "home"
	PageInterview = "interview"
)

var pages = []string{PageSignIn, PageSignUp, PageHome, PageInterview}

// PageData はテンプレートに渡す値。
// Errorは最大1件で、Noticeと同時には表示しない。
type PageData struct {
	Title     string
	CSRFToken string
	Notice    string
	Error     string
	User      *model.User

	// フォームの再表示用。パスワードは保持しない。
	Name  string
	Email string
}

// Templates はページごとに共通レイアウトと結合済みのテンプレートを保持する。
type Templates struct {
	pages map[string]*template.Template
}

// NewTemplates は埋め込みテンプレートをすべて解析する。
func NewTemplates() (*Templates, error) {
	t := &Templates{pages: make(map[string]*template.Template, len(pages))}
	for _, name := range pages {
		tmpl, err := template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		t.pages[name] = tmpl
	}
	return t, nil
}

// Render はページを描画してwに書き込む。
func (t *Templates) Render(w io.Writer, page string, data PageData) error {
	tmpl, ok := t.pages[page]
	if !ok {
		return fmt.Errorf("unknown page: %s", page)
	}
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		return fmt.Errorf("failed to render %s: %w", page, err)
	}
	return nil
}
