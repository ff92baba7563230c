// Package gateway はバックエンド認証APIとの通信を提供する。
// 資格情報（セッションCookie）は訪問者ごとのCookieJarに保持し、
// 呼び出し側が生のトークンを扱わないようにする。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/shopportal/internal/model"
	"golang.org/x/net/publicsuffix"
)

const (
	pathProfile       = "/api/auth/profile"
	pathSignIn        = "/api/auth/signin"
	pathSignUp        = "/api/auth/signup"
	pathSignOut       = "/api/auth/logout"
	pathCheckUsername = "/api/auth/check-username"
	pathCheckShopName = "/api/auth/check-shopname"

	userAgent = "ShopPortal/1.0"

	// maxResponseSize はバックエンド応答ボディの上限。
	maxResponseSize = 1 << 20
)

// AuthGateway はバックエンド認証APIの契約。
// 通信方式の詳細は実装側の責務とする。
type AuthGateway interface {
	// FetchProfile は現在の資格情報に対応するセッションを取得する。
	// 有効なセッションがない場合はmodel.ErrUnauthenticatedを返す。
	FetchProfile(ctx context.Context) (*model.Session, error)
	SignIn(ctx context.Context, req SignInRequest) (*model.Session, error)
	SignUp(ctx context.Context, req SignUpRequest) (*model.Session, error)
	SignOut(ctx context.Context) error
	// CheckUsername はユーザー名が既に使われているかを返す。
	CheckUsername(ctx context.Context, username string) (bool, error)
	// CheckShopName はショップ名が既に使われているかを返す。
	CheckShopName(ctx context.Context, name string) (bool, error)
}

// SignInRequest はサインインのリクエストボディ。
type SignInRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// SignUpRequest はサインアップのリクエストボディ。
type SignUpRequest struct {
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	ShopNames []string `json:"shopNames"`
}

// Options はClientの生成オプション。
type Options struct {
	BaseURL string
	// Transport は訪問者間で共有するRoundTripper。nilの場合はhttp.DefaultTransport。
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Client はAuthGatewayのHTTP/JSON実装。
// 1訪問者につき1インスタンスを生成し、CookieJarを専有する。
type Client struct {
	httpClient *http.Client
	jar        *cookiejar.Jar
	baseURL    *url.URL
	logger     *slog.Logger
}

var _ AuthGateway = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend URL must be http or https: %s", opts.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:     jar,
		baseURL: base,
		logger:  logger,
	}, nil
}

// Credentials はバックエンドから受け取ったCookieをname=valueのマップで返す。
// 訪問者の永続化に使用する。
func (c *Client) Credentials() map[string]string {
	cookies := c.jar.Cookies(c.baseURL)
	creds := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		creds[ck.Name] = ck.Value
	}
	return creds
}

// RestoreCredentials は永続化済みのCookieをJarに戻す。
func (c *Client) RestoreCredentials(creds map[string]string) {
	if len(creds) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(creds))
	for name, value := range creds {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	c.jar.SetCookies(c.baseURL, cookies)
}

// ClearCredentials はJar内のバックエンドCookieを失効させる。
func (c *Client) ClearCredentials() {
	cookies := c.jar.Cookies(c.baseURL)
	expired := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		expired = append(expired, &http.Cookie{Name: ck.Name, Value: "", Path: "/", MaxAge: -1})
	}
	if len(expired) > 0 {
		c.jar.SetCookies(c.baseURL, expired)
	}
}

// userEnvelope は {user} と {data:{user}} の両方の応答形式を受け付ける。
type userEnvelope struct {
	User *model.Session `json:"user"`
	Data *struct {
		User *model.Session `json:"user"`
	} `json:"data"`
}

func (e *userEnvelope) session() *model.Session {
	if e.User != nil {
		return e.User
	}
	if e.Data != nil {
		return e.Data.User
	}
	return nil
}

// FetchProfile は現在のセッションのプロフィールを取得する。
// GET /api/auth/profile
func (c *Client) FetchProfile(ctx context.Context) (*model.Session, error) {
	var env userEnvelope
	status, err := c.do(ctx, http.MethodGet, pathProfile, nil, nil, &env)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, model.ErrUnauthenticated
		}
		return nil, err
	}
	sess := env.session()
	if sess == nil {
		return nil, model.ErrUnauthenticated
	}
	return sess, nil
}

// SignIn はユーザー名とパスワードでサインインする。
// POST /api/auth/signin
func (c *Client) SignIn(ctx context.Context, req SignInRequest) (*model.Session, error) {
	var env userEnvelope
	if _, err := c.do(ctx, http.MethodPost, pathSignIn, nil, req, &env); err != nil {
		return nil, err
	}
	sess := env.session()
	if sess == nil {
		return nil, model.NewBackendRejectionError("", "Login failed")
	}
	return sess, nil
}

// SignUp はアカウントとショップを登録する。
// POST /api/auth/signup
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (*model.Session, error) {
	var env userEnvelope
	if _, err := c.do(ctx, http.MethodPost, pathSignUp, nil, req, &env); err != nil {
		return nil, err
	}
	return env.session(), nil
}

// SignOut はバックエンドのセッションを無効化する。
// POST /api/auth/logout
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, pathSignOut, nil, struct{}{}, nil)
	return err
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// CheckUsername はユーザー名の使用状況を確認する。
// GET /api/auth/check-username?username=xxx
func (c *Client) CheckUsername(ctx context.Context, username string) (bool, error) {
	var res existsResponse
	q := url.Values{"username": {username}}
	if _, err := c.do(ctx, http.MethodGet, pathCheckUsername, q, nil, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

// CheckShopName はショップ名の使用状況を確認する。
// GET /api/auth/check-shopname?name=xxx
func (c *Client) CheckShopName(ctx context.Context, name string) (bool, error) {
	var res existsResponse
	q := url.Values{"name": {name}}
	if _, err := c.do(ctx, http.MethodGet, pathCheckShopName, q, nil, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

type messageBody struct {
	Message string `json:"message"`
}

// do はJSONリクエストを送信し、2xxの場合はoutへデコードする。
// 通信失敗と5xxはNetworkFailure、それ以外の非2xxはBackendRejectionとして返す。
// 戻り値のステータスコードは応答を受け取れなかった場合0。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) (int, error) {
	reqURL := c.baseURL.JoinPath(path)
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		c.logger.Warn("backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return 0, model.NewNetworkFailureError("the service is unavailable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, model.NewNetworkFailureError("the response was interrupted")
	}

	if resp.StatusCode >= 500 {
		c.logger.Warn("backend unavailable",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return resp.StatusCode, model.NewNetworkFailureError("the service is unavailable")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg messageBody
		_ = json.Unmarshal(data, &msg)
		c.logger.Info("backend rejected request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return resp.StatusCode, model.NewBackendRejectionError(msg.Message, "")
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Error("failed to parse backend response",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return resp.StatusCode, model.NewNetworkFailureError("the response could not be read")
		}
	}

	return resp.StatusCode, nil
}
