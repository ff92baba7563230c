// Package tenant はテナント（ショップ）ごとの認可判定とテナントURLの組み立てを提供する。
package tenant

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/hitoshi/shopportal/internal/model"
)

// DenialMessage は拒否時に表示する唯一の文言。
const DenialMessage = model.DenialMessage

// ErrInvalidTenant はテナント名がホスト名のラベルとして使えない場合のエラー。
var ErrInvalidTenant = errors.New("tenant name is not a valid host label")

// dnsLabel はサブドメインとして使えるテナント名（正規化後）。
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Normalize はテナント名を比較用に正規化する。サインアップ時と同じ規則を使う。
func Normalize(name string) string {
	return model.NormalizeShopName(name)
}

// Resolve は要求されたテナントに対するアクセス可否を判定する。
// 存在しないテナントと権限のないテナントは区別しない。
func Resolve(requested string, state model.SessionState) model.TenantDecision {
	switch state.Status {
	case model.StatusChecking:
		return model.TenantPending
	case model.StatusAuthenticated:
		if state.Session == nil {
			return model.TenantDenied
		}
		want := Normalize(requested)
		if want == "" {
			return model.TenantDenied
		}
		for _, shop := range state.Session.Shops {
			if Normalize(shop) == want {
				return model.TenantAllowed
			}
		}
		return model.TenantDenied
	default:
		return model.TenantDenied
	}
}

// URL はテナントのサブドメインURL（http://{tenant}.{host}）を組み立てる。
// ホスト名のラベルとして不正なテナント名はErrInvalidTenantを返す。
func URL(tenant, host string) (string, error) {
	label := Normalize(tenant)
	if !dnsLabel.MatchString(label) {
		return "", ErrInvalidTenant
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("tenant host is empty")
	}
	return "http://" + label + "." + host, nil
}

type tenantKey struct{}

// WithTenant はテナント名をコンテキストに格納する。
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// FromContext はHostMiddlewareが格納したテナント名を取り出す。
func FromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// FromHost はホスト名が{tenant}.{baseHost}の形式であればテナント名を返す。
func FromHost(hostport, baseHost string) (string, bool) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	base := strings.ToLower(baseHost)
	if h, _, err := net.SplitHostPort(base); err == nil {
		base = h
	}
	if base == "" || !strings.HasSuffix(host, "."+base) {
		return "", false
	}
	label := strings.TrimSuffix(host, "."+base)
	if !dnsLabel.MatchString(label) {
		return "", false
	}
	return label, true
}

// HostMiddleware はテナントのサブドメインへのリクエストをtenantHandlerへ振り分ける。
// それ以外のリクエストはnextへ渡す。
func HostMiddleware(baseHost string, tenantHandler http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if name, ok := FromHost(r.Host, baseHost); ok {
				tenantHandler.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), name)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
