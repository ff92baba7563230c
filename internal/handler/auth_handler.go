package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/shopportal/internal/guard"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/navigator"
)

// AuthHandler はログイン・サインアップ・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	registry VisitorRegistry
	renderer *Renderer
	site     SiteConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(registry VisitorRegistry, renderer *Renderer) *AuthHandler {
	return &AuthHandler{
		registry: registry,
		renderer: renderer,
		site:     renderer.site,
	}
}

// LoginPage はログイン画面を表示する。認証済みの場合はダッシュボードへ移動する。
// GET /login?next=/path
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	state := core.Store.Get()
	if state.Authenticated() {
		http.Redirect(w, r, h.site.Paths.Dashboard, http.StatusSeeOther)
		return
	}

	p := h.renderer.page(r, "Login", state)
	p.Login = &loginForm{Next: guard.SafeNext(r.URL.Query().Get("next"))}
	h.renderer.Render(w, http.StatusOK, pageLogin, p)
}

// Login はフォームの資格情報でログインする。
// 成功時はnext（安全なローカルパスの場合）またはダッシュボードへ303で移動する。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}

	form := &loginForm{
		Username:   strings.TrimSpace(r.PostFormValue("username")),
		Next:       guard.SafeNext(r.PostFormValue("next")),
		RememberMe: r.PostFormValue("rememberMe") != "",
	}
	password := r.PostFormValue("password")
	if form.Username == "" || password == "" {
		form.Problem = "Please enter your username and password."
		p := h.renderer.page(r, "Login", core.Store.Get())
		p.Login = form
		h.renderer.Render(w, http.StatusBadRequest, pageLogin, p)
		return
	}

	awaitInitialCheck(r, core)
	ctx, pending := navigator.WithPending(r.Context())
	err := core.Controller.LoginTo(ctx, form.Username, password, form.RememberMe, form.Next)
	persist(r.Context(), h.registry, core)

	if err == nil || errors.Is(err, model.ErrSuperseded) {
		if !navigator.Redirect(w, r, pending) {
			http.Redirect(w, r, h.site.Paths.Login, http.StatusSeeOther)
		}
		return
	}

	p := h.renderer.page(r, "Login", core.Store.Get())
	p.Login = form
	h.renderer.Render(w, statusOf(err), pageLogin, p)
}

// SignupPage はサインアップ画面を表示する。認証済みの場合はダッシュボードへ移動する。
// GET /signup
func (h *AuthHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	state := core.Store.Get()
	if state.Authenticated() {
		http.Redirect(w, r, h.site.Paths.Dashboard, http.StatusSeeOther)
		return
	}

	p := h.renderer.page(r, "Sign Up", state)
	p.Signup = &signupForm{ShopNames: shopRows(nil, 0)}
	h.renderer.Render(w, http.StatusOK, pageSignup, p)
}

// Signup はアカウントとショップを登録する。成功時はログイン画面へ303で移動する。
// action=addの場合は登録せず、ショップ入力欄を1行増やして再表示する。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}

	// ParseFormはPostFormValue呼び出し時に済んでいる
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	shopNames := r.PostForm["shopName"]
	form := &signupForm{Username: username}

	if r.PostFormValue("action") == "add" {
		form.ShopNames = shopRows(shopNames, 1)
		p := h.renderer.page(r, "Sign Up", core.Store.Get())
		p.Signup = form
		h.renderer.Render(w, http.StatusOK, pageSignup, p)
		return
	}

	if errs := validateSignupFields(username, password); errs != nil {
		form.ShopNames = shopRows(shopNames, 0)
		form.Errors = errs
		p := h.renderer.page(r, "Sign Up", core.Store.Get())
		p.Signup = form
		h.renderer.Render(w, http.StatusBadRequest, pageSignup, p)
		return
	}

	awaitInitialCheck(r, core)
	ctx, pending := navigator.WithPending(r.Context())
	err := core.Controller.Signup(ctx, username, password, shopNames)
	persist(r.Context(), h.registry, core)

	if err == nil || errors.Is(err, model.ErrSuperseded) {
		if !navigator.Redirect(w, r, pending) {
			http.Redirect(w, r, h.site.Paths.Login, http.StatusSeeOther)
		}
		return
	}

	form.ShopNames = shopRows(shopNames, 0)
	p := h.renderer.page(r, "Sign Up", core.Store.Get())
	p.Signup = form
	h.renderer.Render(w, statusOf(err), pageSignup, p)
}

// Logout はログアウトしてログイン画面へ303で移動する。
// バックエンドのログアウトに失敗してもローカルのセッションは破棄済みで、
// エラーはログイン画面に表示される。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}

	awaitInitialCheck(r, core)
	ctx, pending := navigator.WithPending(r.Context())
	_ = core.Controller.Logout(ctx)
	persist(r.Context(), h.registry, core)

	if !navigator.Redirect(w, r, pending) {
		http.Redirect(w, r, h.site.Paths.Login, http.StatusSeeOther)
	}
}
