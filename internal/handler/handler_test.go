package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/shopportal/internal/gateway"
	"github.com/hitoshi/shopportal/internal/metrics"
	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/navigator"
	"github.com/hitoshi/shopportal/internal/repository"
	"github.com/hitoshi/shopportal/internal/session"
	"github.com/hitoshi/shopportal/internal/visitor"
	"github.com/prometheus/client_golang/prometheus"
)

// --- テスト用のバックエンド ---

type fakeUser struct {
	password string
	shops    []string
}

// fakeBackend は認証APIを模したステートフルなテスト用サーバー。
// sidクッキーでセッションを識別する。
type fakeBackend struct {
	srv *httptest.Server

	mu            sync.Mutex
	users         map[string]*fakeUser
	tokens        map[string]string
	signups       []gateway.SignUpRequest
	signInCalls   int
	profileStatus int
	logoutStatus  int
	// profileGate が非nilの場合、プロフィール応答はゲートが閉じられるまで待つ
	profileGate chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		users: map[string]*fakeUser{
			"alice": {password: "secret1!", shops: []string{"ShopA", "shopb", "shopc"}},
			"bob":   {password: "secret2!", shops: []string{"bobshop", "bobstore", "bobmart"}},
			"dave":  {password: "secret4!", shops: []string{"Dave's Shop", "davemart", "davestore"}},
		},
		tokens: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/profile", b.profile)
	mux.HandleFunc("/api/auth/signin", b.signIn)
	mux.HandleFunc("/api/auth/signup", b.signUp)
	mux.HandleFunc("/api/auth/logout", b.logout)
	mux.HandleFunc("/api/auth/check-username", b.checkUsername)
	mux.HandleFunc("/api/auth/check-shopname", b.checkShopName)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

// gateProfile は以降のプロフィール応答をテスト終了まで保留させる。
func (b *fakeBackend) gateProfile(t *testing.T) {
	t.Helper()
	gate := make(chan struct{})
	b.mu.Lock()
	b.profileGate = gate
	b.mu.Unlock()
	t.Cleanup(func() { close(gate) })
}

func (b *fakeBackend) userFor(r *http.Request) (string, *fakeUser) {
	c, err := r.Cookie("sid")
	if err != nil {
		return "", nil
	}
	name, ok := b.tokens[c.Value]
	if !ok {
		return "", nil
	}
	return name, b.users[name]
}

func (b *fakeBackend) profile(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	gate := b.profileGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.profileStatus != 0 {
		writeBackendJSON(w, b.profileStatus, map[string]string{"message": "profile service is down"})
		return
	}
	name, u := b.userFor(r)
	if u == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeBackendJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{"username": name, "shops": u.shops},
	})
}

func (b *fakeBackend) signIn(w http.ResponseWriter, r *http.Request) {
	var req gateway.SignInRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signInCalls++
	u, ok := b.users[req.Username]
	if !ok || u.password != req.Password {
		writeBackendJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid username or password"})
		return
	}
	token := "token-" + req.Username
	b.tokens[token] = req.Username
	http.SetCookie(w, &http.Cookie{Name: "sid", Value: token, Path: "/"})
	writeBackendJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{"username": req.Username, "shops": u.shops},
	})
}

func (b *fakeBackend) signUp(w http.ResponseWriter, r *http.Request) {
	var req gateway.SignUpRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signups = append(b.signups, req)
	if _, ok := b.users[req.Username]; ok {
		writeBackendJSON(w, http.StatusConflict, map[string]string{"message": "Username is already taken"})
		return
	}
	b.users[req.Username] = &fakeUser{password: req.Password, shops: req.ShopNames}
	writeBackendJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]any{"user": map[string]any{"username": req.Username, "shopNames": req.ShopNames}},
	})
}

func (b *fakeBackend) logout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logoutStatus != 0 {
		w.WriteHeader(b.logoutStatus)
		return
	}
	if c, err := r.Cookie("sid"); err == nil {
		delete(b.tokens, c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: "sid", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) checkUsername(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.users[r.URL.Query().Get("username")]
	writeBackendJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (b *fakeBackend) checkShopName(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := model.NormalizeShopName(r.URL.Query().Get("name"))
	exists := false
	for _, u := range b.users {
		for _, s := range u.shops {
			if model.NormalizeShopName(s) == want {
				exists = true
			}
		}
	}
	writeBackendJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (b *fakeBackend) signupRequests() []gateway.SignUpRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gateway.SignUpRequest(nil), b.signups...)
}

func (b *fakeBackend) activeTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

func writeBackendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- テスト用のポータル ---

var testPaths = session.Paths{Dashboard: "/dashboard", Login: "/login"}

const (
	testPortalURL  = "http://portal.test"
	testTenantHost = "shop.test"
)

// testPortal は1人の訪問者としてルーターにリクエストを送るヘルパー。
// 受け取ったCookieを保持し、POSTにはCSRFトークンを付与する。
type testPortal struct {
	t        *testing.T
	backend  *fakeBackend
	registry *visitor.Registry
	router   http.Handler
	cookies  map[string]*http.Cookie
}

func newTestPortal(t *testing.T, backend *fakeBackend, opts ...func(*RouterDeps)) *testPortal {
	t.Helper()
	nav := navigator.NewHTTP(nil)
	registry := visitor.NewRegistry(repository.NewMemoryVisitorRepo(), nav, visitor.Config{
		BackendURL:     backend.srv.URL,
		GatewayTimeout: 2 * time.Second,
		MaxAge:         time.Hour,
		Paths:          testPaths,
	})
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000))
	t.Cleanup(limiter.Stop)

	promReg := prometheus.NewRegistry()
	deps := &RouterDeps{
		Visitors:      registry,
		VisitorCookie: middleware.VisitorCookieConfig{MaxAge: 3600},
		Navigator:     nav,
		RateLimiter:   limiter,
		Site: SiteConfig{
			Paths:      testPaths,
			PortalURL:  testPortalURL,
			TenantHost: testTenantHost,
		},
		GuardWait: 2 * time.Second,
		Metrics:   metrics.NewCollector(promReg),
		Gatherer:  promReg,
	}
	for _, opt := range opts {
		opt(deps)
	}

	return &testPortal{
		t:        t,
		backend:  backend,
		registry: registry,
		router:   NewRouter(deps),
		cookies:  make(map[string]*http.Cookie),
	}
}

// request はhostを指定してリクエストを送る。hostが空の場合はポータルのホスト。
func (p *testPortal) request(method, target, host string, form url.Values) *httptest.ResponseRecorder {
	p.t.Helper()
	var body io.Reader
	if method == http.MethodPost {
		if form == nil {
			form = url.Values{}
		}
		if c, ok := p.cookies["csrf_token"]; ok && form.Get(middleware.CSRFFormField) == "" {
			form.Set(middleware.CSRFFormField, c.Value)
		}
		body = strings.NewReader(form.Encode())
	}

	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if host != "" {
		req.Host = host
	}
	for _, c := range p.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(p.cookies, c.Name)
			continue
		}
		p.cookies[c.Name] = c
	}
	return w
}

func (p *testPortal) get(target string) *httptest.ResponseRecorder {
	p.t.Helper()
	return p.request(http.MethodGet, target, "", nil)
}

func (p *testPortal) post(target string, form url.Values) *httptest.ResponseRecorder {
	p.t.Helper()
	return p.request(http.MethodPost, target, "", form)
}

// returning はログイン後にCoreをメモリから解放し、次のリクエストで
// 保存済みの資格情報からプロフィール確認をやり直す訪問者にする。
func (p *testPortal) returning(username, password string) {
	p.t.Helper()
	p.login(username, password)
	if n := p.registry.EvictIdle(-1); n != 1 {
		p.t.Fatalf("EvictIdle() = %d, want 1", n)
	}
}

// start はトップ画面を開いて訪問者を作成し、初回のプロフィール確認を待つ。
func (p *testPortal) start() *visitor.Core {
	p.t.Helper()
	w := p.get("/")
	if w.Code != http.StatusOK {
		p.t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}
	core := p.core()
	select {
	case <-core.Store.Resolved():
	case <-time.After(3 * time.Second):
		p.t.Fatal("initial profile check did not resolve")
	}
	return core
}

// core は現在の訪問者Cookieに対応するCoreを返す。
func (p *testPortal) core() *visitor.Core {
	p.t.Helper()
	c, ok := p.cookies[middleware.VisitorCookieName]
	if !ok {
		p.t.Fatal("visitor cookie not set")
	}
	core, created, err := p.registry.Resolve(context.Background(), c.Value)
	if err != nil {
		p.t.Fatalf("Resolve() error = %v", err)
	}
	if created {
		p.t.Fatal("Resolve() created a new visitor, want the existing one")
	}
	return core
}

// login はaliceでログインし、ダッシュボードへのリダイレクトを確認する。
func (p *testPortal) login(username, password string) {
	p.t.Helper()
	if _, ok := p.cookies[middleware.VisitorCookieName]; !ok {
		p.start()
	}
	w := p.post("/login", url.Values{"username": {username}, "password": {password}})
	if w.Code != http.StatusSeeOther {
		p.t.Fatalf("POST /login status = %d, want %d; body: %s", w.Code, http.StatusSeeOther, w.Body.String())
	}
}

// sessionState は/api/sessionの応答をデコードする。
func (p *testPortal) sessionState() model.SessionState {
	p.t.Helper()
	w := p.get("/api/session")
	if w.Code != http.StatusOK {
		p.t.Fatalf("GET /api/session status = %d, want %d", w.Code, http.StatusOK)
	}
	var state model.SessionState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		p.t.Fatalf("failed to decode session state: %v", err)
	}
	return state
}
