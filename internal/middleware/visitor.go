// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/shopportal/internal/visitor"
)

// VisitorCookieName は訪問者IDを保持するCookieの名前。
const VisitorCookieName = "portal_visitor"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// visitorContextKey はリクエストコンテキストに訪問者のCoreを格納するためのキー。
var visitorContextKey = contextKey("visitor")

// VisitorResolver は訪問者IDからCoreを解決するインターフェース。
// visitor.Registryが満たす。
type VisitorResolver interface {
	Resolve(ctx context.Context, id string) (*visitor.Core, bool, error)
}

// VisitorCookieConfig は訪問者Cookieの設定。
type VisitorCookieConfig struct {
	MaxAge       int
	CookieSecure bool
	CookieDomain string
}

// NewVisitorMiddleware は訪問者Cookieからセッションコアを解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない・未知の訪問者には新しいIDを発行してCookieを設定する。
func NewVisitorMiddleware(resolver VisitorResolver, config VisitorCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cookie, err := r.Cookie(VisitorCookieName); err == nil {
				id = cookie.Value
			}

			core, created, err := resolver.Resolve(r.Context(), id)
			if err != nil {
				slog.Error("failed to resolve visitor",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			annotateVisitor(r.Context(), core.ID)
			if created {
				http.SetCookie(w, &http.Cookie{
					Name:     VisitorCookieName,
					Value:    core.ID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(ContextWithVisitor(r.Context(), core)))
		})
	}
}

// VisitorFromContext はリクエストコンテキストから訪問者のCoreを取得する。
// 訪問者ミドルウェアを通過したリクエストでのみ有効。
func VisitorFromContext(ctx context.Context) (*visitor.Core, error) {
	core, ok := ctx.Value(visitorContextKey).(*visitor.Core)
	if !ok || core == nil {
		return nil, fmt.Errorf("visitor not found in context")
	}
	return core, nil
}

// ContextWithVisitor はコンテキストに訪問者のCoreを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithVisitor(ctx context.Context, core *visitor.Core) context.Context {
	return context.WithValue(ctx, visitorContextKey, core)
}

// visitorID はログ・レート制限用に訪問者IDを返す。未解決の場合は空文字。
func visitorID(ctx context.Context) string {
	if core, err := VisitorFromContext(ctx); err == nil {
		return core.ID
	}
	return ""
}
