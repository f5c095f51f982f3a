// Package mp 封装微信公众号（Official Account）回调协议的验签、缓存与平台 API 调用。
package mp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable 表示重试次数耗尽后平台仍不可用。调用方必须将其视为“无数据”，
// 不得把错误当作响应体解析。
var ErrUnavailable = errors.New("mp: 平台接口不可用（重试已耗尽）")

const maxRetries = 3

// Transport 是所有平台调用共用的 HTTP 请求器：限流 + 有界重试。
// 非 2xx 按尝试序号递增退避后重试；连接/超时错误按固定 2s 退避重试。
type Transport struct {
	httpClient *http.Client
	limiter    *rate.Limiter

	// backoffUnit 决定退避步长，仅测试中缩短。
	backoffUnit time.Duration
}

func NewTransport(httpClient *http.Client, limiter *rate.Limiter) *Transport {
	return &Transport{
		httpClient:  httpClient,
		limiter:     limiter,
		backoffUnit: time.Second,
	}
}

// Request 发起一次平台调用并返回响应体文本。body 以字节切片传入，便于重试时重放。
func (t *Transport) Request(ctx context.Context, method, rawURL string, query url.Values, body []byte, contentType string) (string, error) {
	u := rawURL
	if len(query) > 0 {
		u = rawURL + "?" + query.Encode()
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("mp transport 重试", "url", rawURL, "attempt", attempt)
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("mp transport 限流等待失败: %w", err)
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return "", fmt.Errorf("mp transport 创建请求失败: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		res, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("mp transport 请求中止: %w", ctx.Err())
			}
			slog.Warn("mp transport 请求失败", "url", rawURL, "attempt", attempt, "error", err)
			if err := t.sleep(ctx, 2*t.backoffUnit); err != nil {
				return "", err
			}
			continue
		}

		text, readErr := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if readErr != nil {
			slog.Warn("mp transport 读取响应失败", "url", rawURL, "attempt", attempt, "error", readErr)
			if err := t.sleep(ctx, 2*t.backoffUnit); err != nil {
				return "", err
			}
			continue
		}

		if res.StatusCode < 200 || res.StatusCode > 299 {
			slog.Debug("mp transport 非 2xx 响应",
				"url", rawURL,
				"status_code", res.StatusCode,
				"attempt", attempt,
			)
			if err := t.sleep(ctx, time.Duration(attempt+1)*t.backoffUnit); err != nil {
				return "", err
			}
			continue
		}

		return string(text), nil
	}

	slog.Warn("mp transport 重试耗尽", "url", rawURL, "attempts", maxRetries+1)
	return "", ErrUnavailable
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mp transport 请求中止: %w", ctx.Err())
	}
}
