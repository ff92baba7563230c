// Package guard は保護されたページへのアクセスをセッション状態で制御する。
//
// 判定はEvaluateによる純粋関数で、checking中は描画も遷移もしない。
// MiddlewareはこれをHTTPに適用するアダプター。
package guard

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/shopportal/internal/model"
)

// Action はガードの判定結果の種類。
type Action int

const (
	// ActionPending はセッション確認中。描画も遷移も行わない。
	ActionPending Action = iota
	// ActionRender は保護されたコンテンツを描画する。
	ActionRender
	// ActionRedirect はログイン画面へ遷移する。
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionPending:
		return "pending"
	case ActionRender:
		return "render"
	case ActionRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Outcome はEvaluateの結果。LocationはActionRedirectの場合のみ設定される。
type Outcome struct {
	Action   Action
	Location string
}

// Evaluate はセッション状態とリクエストされたパスからガードの判定を行う。
// anonymousの場合、requestedが安全なローカルパスであればnextクエリとして引き継ぐ。
func Evaluate(state model.SessionState, loginPath, requested string) Outcome {
	switch state.Status {
	case model.StatusAuthenticated:
		return Outcome{Action: ActionRender}
	case model.StatusAnonymous:
		return Outcome{Action: ActionRedirect, Location: LoginLocation(loginPath, requested)}
	default:
		return Outcome{Action: ActionPending}
	}
}

// LoginLocation はログイン画面のURLを組み立てる。
func LoginLocation(loginPath, requested string) string {
	next := SafeNext(requested)
	if next == "" || next == loginPath {
		return loginPath
	}
	return loginPath + "?next=" + url.QueryEscape(next)
}

// SafeNext はログイン後の戻り先として安全なローカルパスのみを返す。
// 別オリジンを指しうる値には空文字を返す。
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") {
		return ""
	}
	if strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	if strings.ContainsAny(next, "\r\n") {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return next
}

// StateSource は1訪問者分のセッション状態の読み取り口。
// session.Storeが満たす。
type StateSource interface {
	Get() model.SessionState
	Resolved() <-chan struct{}
}

// SourceFunc はリクエストから訪問者の状態の読み取り口を取り出す。
type SourceFunc func(r *http.Request) StateSource

// Config はGuardの設定。
type Config struct {
	LoginPath string
	// Wait はchecking中に初回確定を待つ最大時間。
	Wait time.Duration
	// Pending はchecking中に描画する中立なページ。nilの場合は簡易なテキストを返す。
	Pending http.Handler
	Logger  *slog.Logger
}

// Guard はHTTPリクエストに対するRouteGuard。
type Guard struct {
	source  SourceFunc
	config  Config
	pending http.Handler
	logger  *slog.Logger
}

// New はGuardを生成する。
func New(source SourceFunc, cfg Config) *Guard {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	pending := cfg.Pending
	if pending == nil {
		pending = http.HandlerFunc(defaultPending)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{source: source, config: cfg, pending: pending, logger: logger}
}

// Middleware は保護されたルートに適用するミドルウェアを返す。
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src := g.source(r)
		if src == nil {
			g.logger.Error("route guard: no session for request", slog.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		state := g.await(r, src)
		out := Evaluate(state, g.config.LoginPath, r.URL.RequestURI())
		switch out.Action {
		case ActionRender:
			next.ServeHTTP(w, r)
		case ActionRedirect:
			http.Redirect(w, r, out.Location, http.StatusSeeOther)
		default:
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Refresh", "1")
			g.pending.ServeHTTP(w, r)
		}
	})
}

// await はchecking中であれば初回確定かWaitの経過まで待ち、最新の状態を返す。
func (g *Guard) await(r *http.Request, src StateSource) model.SessionState {
	state := src.Get()
	if state.Status != model.StatusChecking || g.config.Wait <= 0 {
		return state
	}

	timer := time.NewTimer(g.config.Wait)
	defer timer.Stop()
	select {
	case <-src.Resolved():
	case <-timer.C:
	case <-r.Context().Done():
	}
	return src.Get()
}

func defaultPending(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Checking your session..."))
}
