package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/navigator"
	"github.com/hitoshi/shopportal/internal/tenant"
)

// PortalHandler はトップ・ダッシュボード・テナント画面のHTTPハンドラー。
type PortalHandler struct {
	renderer *Renderer
	nav      navigator.Navigator
	observer TenantObserver
	site     SiteConfig
}

// NewPortalHandler はPortalHandlerを生成する。observerはnilでもよい。
func NewPortalHandler(renderer *Renderer, nav navigator.Navigator, observer TenantObserver) *PortalHandler {
	return &PortalHandler{
		renderer: renderer,
		nav:      nav,
		observer: observer,
		site:     renderer.site,
	}
}

// Home はトップ画面を表示する。セッション確認中はナビゲーションのリンクを出さない。
// GET /
func (h *PortalHandler) Home(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	h.renderer.Render(w, http.StatusOK, pageHome, h.renderer.page(r, "Home", core.Store.Get()))
}

// Dashboard は所有するショップの一覧を表示する。RouteGuardの内側に配置する。
// GET /dashboard
func (h *PortalHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	state := core.Store.Get()
	p := h.renderer.page(r, "Dashboard", state)
	p.Shops = shopLinks(state.Session)
	h.renderer.Render(w, http.StatusOK, pageDashboard, p)
}

// Refresh はプロフィールを再取得してダッシュボードへ戻る。
// 通信に失敗しても現在のセッションは維持され、エラーが表示される。
// POST /session/refresh
func (h *PortalHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	if err := core.Controller.Refresh(r.Context()); err != nil {
		slog.Info("profile refresh did not complete",
			slog.String("visitor_id", core.ID),
			slog.String("error", err.Error()),
		)
	}
	http.Redirect(w, r, h.site.Paths.Dashboard, http.StatusSeeOther)
}

// Pending はセッション確認中の中立な画面を202で表示する。
// 保護された内容も拒否メッセージも含まない。
func (h *PortalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	state := model.SessionState{Status: model.StatusChecking}
	if core, err := middleware.VisitorFromContext(r.Context()); err == nil {
		state = core.Store.Get()
	}
	h.renderer.Render(w, http.StatusAccepted, pagePending, h.renderer.page(r, "Loading", state))
}

// OpenShop はショップのサブドメインへ外部リダイレクトする。
// 権限がない・存在しないショップは区別せず拒否画面を返す。
// GET /shops/{shopName}/open
func (h *PortalHandler) OpenShop(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "shopName")
	state := core.Store.Get()

	decision := h.decide(name, state)
	switch decision {
	case model.TenantPending:
		h.pending(w, r)
		return
	case model.TenantDenied:
		h.denied(w, r, state)
		return
	}

	target, err := tenant.URL(name, h.site.TenantHost)
	if err != nil {
		// DNSラベルにならないショップ名はサブドメインとして開けない
		slog.Warn("shop cannot be opened as a subdomain",
			slog.String("visitor_id", core.ID),
			slog.String("error", err.Error()),
		)
		h.denied(w, r, state)
		return
	}

	ctx, p := navigator.WithPending(r.Context())
	h.nav.RedirectExternal(ctx, target)
	if !navigator.Redirect(w, r, p) {
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}

// ShopView はテナント画面を表示する。RouteGuardの内側に配置する。
// テナント名はサブドメイン（HostMiddleware）またはパスから取得する。
// GET /shop/{shopName}, GET {tenant}.{host}/
func (h *PortalHandler) ShopView(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	name, fromHost := tenant.FromContext(r.Context())
	if !fromHost {
		name = chi.URLParam(r, "shopName")
	}
	state := core.Store.Get()

	switch h.decide(name, state) {
	case model.TenantAllowed:
		display := displayName(state.Session, name)
		p := h.renderer.page(r, display, state)
		p.Shop = display
		h.renderer.Render(w, http.StatusOK, pageShop, p)
	case model.TenantPending:
		h.pending(w, r)
	default:
		h.denied(w, r, state)
	}
}

func (h *PortalHandler) decide(name string, state model.SessionState) model.TenantDecision {
	decision := tenant.Resolve(name, state)
	if h.observer != nil {
		h.observer.RecordTenantDecision(string(decision))
	}
	return decision
}

func (h *PortalHandler) pending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Refresh", "1")
	h.Pending(w, r)
}

// denied は拒否画面を404で表示する。
// 要求されたテナント名を含めず、存在しない場合と同じ応答にする。
func (h *PortalHandler) denied(w http.ResponseWriter, r *http.Request, state model.SessionState) {
	p := h.renderer.page(r, "Shop unavailable", state)
	p.Denial = model.DenialMessage
	h.renderer.Render(w, http.StatusNotFound, pageDenied, p)
}

// displayName はセッションに登録された表記のショップ名を返す。
func displayName(sess *model.Session, requested string) string {
	if sess != nil {
		key := tenant.Normalize(requested)
		for _, s := range sess.Shops {
			if tenant.Normalize(s) == key {
				return s
			}
		}
	}
	return requested
}
