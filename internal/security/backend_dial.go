// Package security はアプリケーションのセキュリティ機能を提供する。
//
// バックエンド向けのSSRF防止トランスポートと、バックエンドが返す
// メッセージから表示前にマークアップを取り除くサニタイザーを含む。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はバックエンドURLに許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はバックエンドURLの静的検証でブロックするネットワーク範囲。
// 接続時の検証はsafeurlのDialerが行う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SafeBackendTransport はGATEWAY_SAFE_DIAL有効時に全訪問者で共有するRoundTripperを返す。
// safeurlのDialerがDNS解決後のIPアドレスを検証するため、
// バックエンドのホスト名がプライベートアドレスへ解決される場合も接続を拒否する。
// 許可ポートは80・443とバックエンドURLのポート。
func SafeBackendTransport(backendURL string, timeout time.Duration) (http.RoundTripper, error) {
	if err := ValidateBackendURL(backendURL); err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(backendURL)

	ports := []int{80, 443}
	if p := parsed.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid backend port: %s", p)
		}
		ports = append(ports, n)
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(ports...).
		Build()

	return safeurl.Client(config).Client.Transport, nil
}

// ValidateBackendURL はバックエンドURLを静的に検証する。
// スキーム、ホスト、IPアドレスを確認し、危険なURLの場合はエラーを返す。
func ValidateBackendURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
