package mp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/zcw199604/wechat-mp-gateway/internal/blobstore"
)

// tokenRefreshMargin 提前于官方过期时间刷新，吸收时钟偏差与传输耗时。
const tokenRefreshMargin = 2 * time.Minute

// storedCredential 是持久化到 blob 的凭据格式。平台只返回相对的 expires_in，
// 落盘前换算为绝对的 expires_at，重启后仍可判断有效期。
type storedCredential struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// GetAccessToken 返回一个可用的 access_token。
// 顺序：内存副本 → 本地 blob → 平台接口；损坏或过期的 blob 一律删除后重取，
// 绝不把垃圾数据当作凭据返回。并发调用经 singleflight 合并为一次网络刷新。
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := c.peekToken(); ok {
		return token, nil
	}

	v, err, _ := c.tokenSF.Do("access_token", func() (interface{}, error) {
		if token, ok := c.peekToken(); ok {
			return token, nil
		}
		if token, ok := c.loadTokenFromBlob(); ok {
			return token, nil
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	token, _ := v.(string)
	if token == "" {
		return "", errors.New("mp token 返回为空")
	}
	return token, nil
}

func (c *Client) peekToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", false
	}
	if c.now().After(c.tokenExp.Add(-tokenRefreshMargin)) {
		return "", false
	}
	return c.token, true
}

func (c *Client) loadTokenFromBlob() (string, bool) {
	key := c.tokenBlobKey()
	b, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			slog.Warn("mp token 读取本地缓存失败", "key", key, "error", err)
		}
		return "", false
	}

	var cred storedCredential
	if err := json.Unmarshal(b, &cred); err != nil || cred.AccessToken == "" {
		slog.Warn("mp token 本地缓存损坏，删除后重取", "key", key, "error", err)
		_ = c.store.Delete(key)
		return "", false
	}

	exp := time.Unix(cred.ExpiresAt, 0)
	if c.now().After(exp.Add(-tokenRefreshMargin)) {
		return "", false
	}

	c.mu.Lock()
	c.token = cred.AccessToken
	c.tokenExp = exp
	c.mu.Unlock()
	return cred.AccessToken, true
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	start := c.now()
	q := url.Values{
		"grant_type": {"client_credential"},
		"appid":      {c.cfg.AppID},
		"secret":     {c.cfg.Secret},
	}
	text, err := c.transport.Request(ctx, http.MethodGet, c.cfg.APIBaseURL+"/token", q, nil, "")
	if err != nil {
		slog.Error("mp token 请求失败", "error", err)
		return "", fmt.Errorf("mp token 请求失败: %w", err)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		slog.Error("mp token 解析响应失败", "error", err, "body_len", len(text))
		return "", fmt.Errorf("mp token 解析响应失败: %w", err)
	}
	if out.AccessToken == "" || out.ExpiresIn <= 0 {
		apiErr := fmt.Errorf("mp token 获取失败: %d %s", out.ErrCode, out.ErrMsg)
		slog.Error("mp token 返回错误", "error", apiErr, "errcode", out.ErrCode, "errmsg", out.ErrMsg)
		return "", apiErr
	}

	exp := c.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	blob, err := json.Marshal(storedCredential{
		AccessToken: out.AccessToken,
		ExpiresAt:   exp.Unix(),
	})
	if err == nil {
		if err := c.store.Put(c.tokenBlobKey(), blob); err != nil {
			// 持久化失败不致命：内存副本仍然可用，下次进程重启再重取。
			slog.Warn("mp token 写入本地缓存失败", "error", err)
		}
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.tokenExp = exp
	c.mu.Unlock()

	slog.Info("mp token 刷新成功",
		"expires_in", out.ExpiresIn,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)
	return out.AccessToken, nil
}
