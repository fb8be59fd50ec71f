package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// StateCookie 防 CSRF 的 state cookie 名
const StateCookie = "teamvote_oauth_state"

const defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleLogin Google 登录：授权码换令牌，再用 userinfo 取邮箱作为身份
type GoogleLogin struct {
	config        *oauth2.Config
	userInfoURL   string
	allowedDomain string
	httpClient    *http.Client
}

type GoogleOptions struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	UserInfoURL   string
	AllowedDomain string
}

func NewGoogleLogin(opts GoogleOptions) *GoogleLogin {
	userInfo := opts.UserInfoURL
	if userInfo == "" {
		userInfo = defaultUserInfoURL
	}
	return &GoogleLogin{
		config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "https://www.googleapis.com/auth/userinfo.email"},
		},
		userInfoURL:   userInfo,
		allowedDomain: strings.ToLower(strings.TrimPrefix(opts.AllowedDomain, "@")),
		httpClient:    cleanhttp.DefaultPooledClient(),
	}
}

// AuthCodeURL 登录跳转地址
func (g *GoogleLogin) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account"))
}

type userInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	HostedDomain  string `json:"hd"`
}

// Exchange 用授权码换取身份（已验证的邮箱）
func (g *GoogleLogin) Exchange(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", errors.WithDetails(ErrUnauthenticated, "reason", "missing code")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return "", errors.Errorf("%w: 授权码换取令牌失败: %w", ErrUnauthenticated, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "创建userinfo请求失败")
	}
	resp, err := g.config.Client(ctx, token).Do(req)
	if err != nil {
		return "", errors.Wrap(err, "获取用户信息失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewWithDetails("获取用户信息失败", "status", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", errors.Wrap(err, "解析用户信息失败")
	}

	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" || !info.EmailVerified {
		return "", errors.WithDetails(ErrUnauthenticated, "reason", "email not verified")
	}
	if g.allowedDomain != "" && !strings.HasSuffix(email, "@"+g.allowedDomain) {
		return "", errors.WithDetails(ErrUnauthenticated, "reason", "domain not allowed", "email", email)
	}
	return email, nil
}
