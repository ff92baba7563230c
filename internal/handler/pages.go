package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページ名
const (
	pageHome      = "home"
	pageLogin     = "login"
	pageSignup    = "signup"
	pageDashboard = "dashboard"
	pagePending   = "pending"
	pageShop      = "shop"
	pageDenied    = "denied"
)

var pageNames = []string{pageHome, pageLogin, pageSignup, pageDashboard, pagePending, pageShop, pageDenied}

// SiteConfig はページ描画とリンク生成に使う設定。
type SiteConfig struct {
	Paths session.Paths
	// PortalURL はテナントのサブドメインからポータルへ戻るリンクの基点（BASE_URL）。
	PortalURL string
	// TenantHost はテナントURL {tenant}.{host} のホスト部分。
	TenantHost string
}

// loginForm はログインフォームの再描画用の値。パスワードは保持しない。
type loginForm struct {
	Username   string
	Next       string
	RememberMe bool
	Problem    string
}

// signupForm はサインアップフォームの再描画用の値。
type signupForm struct {
	Username  string
	ShopNames []string
	Errors    map[string]string
}

// shopLink はダッシュボードに並べるショップへのリンク。
type shopLink struct {
	Name     string
	OpenPath string
	ViewPath string
}

// page はテンプレートに渡すデータ。
type page struct {
	Title     string
	State     model.SessionState
	CSRFToken string
	Paths     session.Paths
	PortalURL string

	Login  *loginForm
	Signup *signupForm
	Shops  []shopLink
	Shop   string
	Denial string
}

// Renderer はHTMLページを描画する。
type Renderer struct {
	pages  map[string]*template.Template
	site   SiteConfig
	logger *slog.Logger
}

// NewRenderer は埋め込みテンプレートを読み込んだRendererを生成する。
func NewRenderer(site SiteConfig, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if site.Paths.Dashboard == "" {
		site.Paths.Dashboard = "/dashboard"
	}
	if site.Paths.Login == "" {
		site.Paths.Login = "/login"
	}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		pages[name] = template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
	}
	return &Renderer{pages: pages, site: site, logger: logger}
}

// page は共通項目を埋めたページデータを返す。
// テナントのサブドメインからの表示ではポータルへのリンクを絶対URLにする。
func (rn *Renderer) page(r *http.Request, title string, state model.SessionState) page {
	p := page{
		Title:     title,
		State:     state,
		CSRFToken: middleware.CSRFToken(r),
		Paths:     rn.site.Paths,
	}
	if onTenantHost(r) {
		p.PortalURL = rn.site.PortalURL
	}
	return p
}

// Render はページを描画する。テンプレートの実行に失敗した場合は500を返す。
func (rn *Renderer) Render(w http.ResponseWriter, status int, name string, data page) {
	tmpl, ok := rn.pages[name]
	if !ok {
		rn.logger.Error("unknown page", slog.String("page", name))
		middleware.WriteInternalServerError(w)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		rn.logger.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// shopLinks はセッションのショップ一覧からリンクを組み立てる。
func shopLinks(sess *model.Session) []shopLink {
	if sess == nil {
		return nil
	}
	links := make([]shopLink, 0, len(sess.Shops))
	for _, name := range sess.Shops {
		escaped := url.PathEscape(name)
		links = append(links, shopLink{
			Name:     name,
			OpenPath: "/shops/" + escaped + "/open",
			ViewPath: "/shop/" + escaped,
		})
	}
	return links
}
