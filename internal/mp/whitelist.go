package mp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zcw199604/wechat-mp-gateway/internal/blobstore"
)

// GetCallbackIPs 拉取平台投递回调所使用的出口 IP 列表。
func (c *Client) GetCallbackIPs(ctx context.Context) ([]string, error) {
	return c.getIPList(ctx, "/getcallbackip")
}

// GetAPIDomainIPs 拉取 api 域名对应的 IP 列表（排障用，不参与回调过滤）。
func (c *Client) GetAPIDomainIPs(ctx context.Context) ([]string, error) {
	return c.getIPList(ctx, "/get_api_domain_ip")
}

func (c *Client) getIPList(ctx context.Context, path string) ([]string, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{"access_token": {token}}
	text, err := c.transport.Request(ctx, http.MethodGet, c.cfg.APIBaseURL+path, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("mp ip 列表请求失败: %w", err)
	}

	var out struct {
		IPList  []string `json:"ip_list"`
		ErrCode int      `json:"errcode"`
		ErrMsg  string   `json:"errmsg"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("mp ip 列表解析失败: %w", err)
	}
	if out.ErrCode != 0 {
		return nil, fmt.Errorf("mp ip 列表接口错误: %d %s", out.ErrCode, out.ErrMsg)
	}
	return out.IPList, nil
}

// Whitelist 维护“按自然日轮换”的回调 IP 白名单缓存。
// blob key 含当天日期，跨天后旧缓存自然失效；拉取失败时返回空集合（fail-closed），
// 空集合不会写入任何缓存，下一次请求会再次尝试刷新。
type Whitelist struct {
	client *Client
	store  *blobstore.Store

	mu    sync.Mutex
	day   string
	addrs map[string]struct{}

	sf singleflight.Group

	// now 仅测试中替换。
	now func() time.Time
}

func NewWhitelist(client *Client, store *blobstore.Store) *Whitelist {
	return &Whitelist{
		client: client,
		store:  store,
		now:    time.Now,
	}
}

func whitelistBlobKey(day string) string {
	return "whitelist_" + day
}

// Addresses 返回当天的白名单集合。任何失败路径都返回空集合，绝不 fail-open。
func (w *Whitelist) Addresses(ctx context.Context) map[string]struct{} {
	day := w.now().Format("20060102")

	w.mu.Lock()
	if w.day == day && w.addrs != nil {
		addrs := w.addrs
		w.mu.Unlock()
		return addrs
	}
	w.mu.Unlock()

	v, err, _ := w.sf.Do(day, func() (interface{}, error) {
		return w.load(ctx, day), nil
	})
	if err != nil || v == nil {
		return map[string]struct{}{}
	}
	addrs, _ := v.(map[string]struct{})
	if addrs == nil {
		return map[string]struct{}{}
	}
	return addrs
}

// Contains 判断 host 是否在当天白名单中。
func (w *Whitelist) Contains(ctx context.Context, host string) bool {
	_, ok := w.Addresses(ctx)[host]
	return ok
}

func (w *Whitelist) load(ctx context.Context, day string) map[string]struct{} {
	key := whitelistBlobKey(day)

	if b, err := w.store.Get(key); err == nil {
		var list []string
		if jsonErr := json.Unmarshal(b, &list); jsonErr != nil || len(list) == 0 {
			// 空文件或无法解析的快照不可信，删除后重新拉取。
			slog.Warn("mp whitelist 本地快照损坏，删除后重取", "key", key, "error", jsonErr)
			_ = w.store.Delete(key)
		} else {
			addrs := toSet(list)
			w.remember(day, addrs)
			slog.Info("mp whitelist 从本地快照加载", "day", day, "count", len(addrs))
			return addrs
		}
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		slog.Warn("mp whitelist 读取本地快照失败", "key", key, "error", err)
	}

	list, err := w.client.GetCallbackIPs(ctx)
	if err != nil || len(list) == 0 {
		slog.Warn("mp whitelist 拉取失败，本轮拒绝所有来源", "day", day, "error", err)
		return map[string]struct{}{}
	}

	if b, err := json.Marshal(list); err == nil {
		if err := w.store.Put(key, b); err != nil {
			slog.Warn("mp whitelist 写入本地快照失败", "key", key, "error", err)
		}
	}

	addrs := toSet(list)
	w.remember(day, addrs)
	slog.Info("mp whitelist 刷新成功", "day", day, "count", len(addrs))
	return addrs
}

func (w *Whitelist) remember(day string, addrs map[string]struct{}) {
	w.mu.Lock()
	w.day = day
	w.addrs = addrs
	w.mu.Unlock()
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, ip := range list {
		if ip == "" {
			continue
		}
		set[ip] = struct{}{}
	}
	return set
}

// RequireCallbackIP 只放行来源地址在白名单内的请求。
func RequireCallbackIP(wl *Whitelist, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !wl.Contains(r.Context(), host) {
			slog.Info("mp 回调来源不在白名单", "remote", host)
			http.Error(w, "invalid net parameter", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
