package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/shopportal/internal/gateway"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/navigator"
)

// 操作名（メトリクスとログのラベル）
const (
	OpLogin   = "login"
	OpSignup  = "signup"
	OpLogout  = "logout"
	OpRefresh = "refresh"
)

// 操作結果（メトリクスとログのラベル）
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeValidation = "validation"
	OutcomeSuperseded = "superseded"
)

// Gateway はControllerが必要とするバックエンド操作のインターフェース。
type Gateway interface {
	ProfileFetcher
	SignIn(ctx context.Context, req gateway.SignInRequest) (*model.Session, error)
	SignUp(ctx context.Context, req gateway.SignUpRequest) (*model.Session, error)
	SignOut(ctx context.Context) error
}

// credentialClearer はローカルの資格情報を破棄できるゲートウェイ。
type credentialClearer interface {
	ClearCredentials()
}

// MessageSanitizer はバックエンド由来のメッセージをプレーンテキストに整える。
type MessageSanitizer interface {
	Text(s string) string
}

// Observer は操作結果を受け取る。メトリクス収集に使う。
type Observer interface {
	RecordAuthOperation(op, outcome string)
}

// Paths は遷移先のパス。
type Paths struct {
	Dashboard string
	Login     string
}

// ControllerConfig はControllerの設定。
type ControllerConfig struct {
	Paths     Paths
	Sanitizer MessageSanitizer // nilの場合はそのまま使う
	Observer  Observer         // nilの場合は記録しない
	Logger    *slog.Logger
}

// Controller はログイン・サインアップ・ログアウトを調停する。
// Storeを変更する唯一の書き手。
type Controller struct {
	store  *Store
	gw     Gateway
	nav    navigator.Navigator
	config ControllerConfig
	logger *slog.Logger
}

// NewController はControllerを生成する。
func NewController(store *Store, gw Gateway, nav navigator.Navigator, config ControllerConfig) *Controller {
	if config.Paths.Dashboard == "" {
		config.Paths.Dashboard = "/dashboard"
	}
	if config.Paths.Login == "" {
		config.Paths.Login = "/login"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:  store,
		gw:     gw,
		nav:    nav,
		config: config,
		logger: logger,
	}
}

// Store は管理対象のStoreを返す。読み取り専用の利用者に渡すために使う。
func (c *Controller) Store() *Store {
	return c.store
}

// Login はサインインを行う。
// 成功時はauthenticatedへ遷移しダッシュボードへ移動する。
// 失敗時はanonymousのままエラーを記録し、遷移しない。
func (c *Controller) Login(ctx context.Context, username, password string, rememberMe bool) error {
	return c.LoginTo(ctx, username, password, rememberMe, "")
}

// LoginTo はLoginと同じだが、成功時の遷移先をnextにする。
// nextが空の場合はダッシュボードへ移動する。nextの検証は呼び出し側の責務。
func (c *Controller) LoginTo(ctx context.Context, username, password string, rememberMe bool, next string) error {
	if next == "" {
		next = c.config.Paths.Dashboard
	}
	t := c.store.begin()

	sess, err := c.gw.SignIn(ctx, gateway.SignInRequest{
		Username:   username,
		Password:   password,
		RememberMe: rememberMe,
	})
	if err == nil && sess == nil {
		err = model.NewBackendRejectionError("", "Login failed")
	}
	if err != nil {
		msg := c.message(err, "Login failed")
		if !c.store.replace(t, model.SessionState{Status: model.StatusAnonymous, Error: msg}) {
			return c.superseded(OpLogin)
		}
		c.observe(OpLogin, OutcomeFailure)
		c.logger.Info("login failed",
			slog.String("username", username),
			slog.String("reason", msg),
		)
		return err
	}

	if !c.store.replace(t, authenticated(sess)) {
		return c.superseded(OpLogin)
	}
	c.observe(OpLogin, OutcomeSuccess)
	c.logger.Info("user logged in", slog.String("username", sess.Username))
	c.nav.GoTo(ctx, next)
	return nil
}

// Signup はアカウントを登録する。
// ショップ名は送信前に整形・検証し、違反時はゲートウェイを呼ばずに失敗する。
// 成功してもログイン状態にはせず、ログイン画面へ移動する。
func (c *Controller) Signup(ctx context.Context, username, password string, shopNames []string) error {
	// 検証失敗では操作番号を進めない
	shops, err := model.NormalizeShopNames(shopNames)
	if err != nil {
		c.store.annotate(withError(model.MessageOf(err, "Signup failed")))
		c.observe(OpSignup, OutcomeValidation)
		return err
	}

	t := c.store.begin()
	_, err = c.gw.SignUp(ctx, gateway.SignUpRequest{
		Username:  username,
		Password:  password,
		ShopNames: shops,
	})
	if err != nil {
		msg := c.message(err, "Signup failed")
		if !c.store.update(t, settleUnauthenticated(msg)) {
			return c.superseded(OpSignup)
		}
		c.observe(OpSignup, OutcomeFailure)
		c.logger.Info("signup rejected",
			slog.String("username", username),
			slog.String("reason", msg),
		)
		return err
	}

	if !c.store.update(t, settleUnauthenticated("")) {
		return c.superseded(OpSignup)
	}
	c.observe(OpSignup, OutcomeSuccess)
	c.logger.Info("user signed up",
		slog.String("username", username),
		slog.Int("shop_count", len(shops)),
	)
	c.nav.GoTo(ctx, c.config.Paths.Login)
	return nil
}

// Logout はバックエンドのセッションを無効化する。
// バックエンドの結果に関わらずローカルの状態は必ずanonymousにする。
// 無効化に失敗した場合はエラーを記録するが、遷移は妨げない。
func (c *Controller) Logout(ctx context.Context) error {
	t := c.store.beginWith(func(model.SessionState) model.SessionState {
		return model.SessionState{Status: model.StatusAnonymous}
	})

	err := c.gw.SignOut(ctx)
	// 応答待ちの間に別のログインが成立していれば、その資格情報は残す
	if cl, ok := c.gw.(credentialClearer); ok && !c.store.Get().Authenticated() {
		cl.ClearCredentials()
	}

	if err != nil {
		msg := c.message(err, "Logout failed")
		c.logger.Warn("logout call failed; local session cleared",
			slog.String("error", err.Error()),
		)
		if !c.store.update(t, withError(msg)) {
			return c.superseded(OpLogout)
		}
		c.observe(OpLogout, OutcomeFailure)
	} else {
		if !c.store.current(t) {
			return c.superseded(OpLogout)
		}
		c.observe(OpLogout, OutcomeSuccess)
	}

	c.nav.GoTo(ctx, c.config.Paths.Login)
	return err
}

// Refresh はプロフィールを再取得して状態を同期する。
// checkingには戻らず、通信失敗時は現在の状態を保ってエラーのみ記録する。
func (c *Controller) Refresh(ctx context.Context) error {
	t := c.store.begin()
	err := c.store.resolveProfile(ctx, t, true)
	switch {
	case errors.Is(err, model.ErrSuperseded):
		c.observe(OpRefresh, OutcomeSuperseded)
	case err != nil:
		c.observe(OpRefresh, OutcomeFailure)
	default:
		c.observe(OpRefresh, OutcomeSuccess)
	}
	return err
}

func (c *Controller) message(err error, fallback string) string {
	msg := model.MessageOf(err, fallback)
	if c.config.Sanitizer != nil {
		msg = c.config.Sanitizer.Text(msg)
	}
	if msg == "" {
		msg = fallback
	}
	return msg
}

func (c *Controller) superseded(op string) error {
	c.observe(op, OutcomeSuperseded)
	c.logger.Debug("stale response discarded", slog.String("operation", op))
	return model.ErrSuperseded
}

func (c *Controller) observe(op, outcome string) {
	if c.config.Observer != nil {
		c.config.Observer.RecordAuthOperation(op, outcome)
	}
}

func withError(msg string) func(model.SessionState) model.SessionState {
	return func(cur model.SessionState) model.SessionState {
		cur.Error = msg
		return cur
	}
}

// settleUnauthenticated はエラーを記録し、checkingのままであればanonymousに確定させる。
func settleUnauthenticated(msg string) func(model.SessionState) model.SessionState {
	return func(cur model.SessionState) model.SessionState {
		if cur.Status == model.StatusChecking {
			return model.SessionState{Status: model.StatusAnonymous, Error: msg}
		}
		cur.Error = msg
		return cur
	}
}
