package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chart-ingestor/internal/model"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultSignInURL = "https://www.tradingview.com/accounts/signin/"
	signInReferer    = "https://www.tradingview.com"
)

type signInResponse struct {
	User struct {
		AuthToken string `json:"auth_token"`
	} `json:"user"`
	Error string `json:"error"`
}

// AuthClient 用用户名密码登录，获取图表 auth token
type AuthClient struct {
	client    *resty.Client
	signInURL string
	logger    *zap.Logger
}

func NewAuthClient(signInURL string, timeout time.Duration, logger *zap.Logger) *AuthClient {
	if signInURL == "" {
		signInURL = DefaultSignInURL
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Referer", signInReferer).
		SetHeader("Accept", "application/json")

	return &AuthClient{client: c, signInURL: signInURL, logger: logger}
}

// Token 返回 auth token。缺少账号或登录失败时返回
// model.UnauthorizedToken，只记日志，不返回 error
func (a *AuthClient) Token(ctx context.Context, username, password string) string {
	if username == "" || password == "" {
		a.logger.Warn("you are using nologin method, data you access may be limited")
		return model.UnauthorizedToken
	}
	token, err := a.signIn(ctx, username, password)
	if err != nil {
		a.logger.Error("error while signin, falling back to unauthorized access", zap.Error(err))
		return model.UnauthorizedToken
	}
	return token
}

func (a *AuthClient) signIn(ctx context.Context, username, password string) (string, error) {
	var out signInResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": username,
			"password": password,
			"remember": "on",
		}).
		SetResult(&out).
		Post(a.signInURL)
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("signin status %s", resp.Status())
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	if out.User.AuthToken == "" {
		return "", errors.New("signin response has no auth_token")
	}
	return out.User.AuthToken, nil
}
