package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zcw199604/wechat-mp-gateway/internal/config"
	"github.com/zcw199604/wechat-mp-gateway/internal/mp"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	disabled := false
	return config.Config{
		Server: config.ServerConfig{
			ListenAddr:        ":0",
			HTTPClientTimeout: config.Duration(5 * time.Second),
			ReadHeaderTimeout: config.Duration(5 * time.Second),
			MaxBodyBytes:      1 << 20,
		},
		MP: config.MPConfig{
			AppID:      "wx-test-appid",
			Secret:     "test-secret",
			Token:      "biztoken",
			APIBaseURL: "http://127.0.0.1:1/cgi-bin",
			DedupTTL:   config.Duration(10 * time.Minute),
		},
		Cache: config.CacheConfig{Dir: t.TempDir()},
		// 白名单依赖平台接口，端到端测试关闭来源过滤。
		Whitelist: config.WhitelistConfig{Enabled: &disabled},
	}
}

func signedCallbackURL(token string) string {
	timestamp := "1700000000"
	nonce := "e2e-nonce"
	return fmt.Sprintf("/mp/callback?timestamp=%s&nonce=%s&signature=%s",
		timestamp, nonce, mp.Signature(token, timestamp, nonce))
}

func TestServer_EchoVerification(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { s.deduper.Close() })

	req := httptest.NewRequest(http.MethodGet, signedCallbackURL(cfg.MP.Token)+"&echostr=271828", nil)
	w := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "271828" {
		t.Fatalf("body = %q, want echostr 原样返回", w.Body.String())
	}
}

func TestServer_CallbackRepliesWithXML(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { s.deduper.Close() })

	envelope := "<xml>" +
		"<ToUserName><![CDATA[acct]]></ToUserName>" +
		"<FromUserName><![CDATA[u1]]></FromUserName>" +
		"<CreateTime>1700000000</CreateTime>" +
		"<MsgType><![CDATA[text]]></MsgType>" +
		"<Content><![CDATA[hello]]></Content>" +
		"<MsgId>20001</MsgId>" +
		"</xml>"

	req := httptest.NewRequest(http.MethodPost, signedCallbackURL(cfg.MP.Token), strings.NewReader(envelope))
	w := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content-type = %q, want text/xml", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		"<ToUserName><![CDATA[u1]]></ToUserName>",
		"<FromUserName><![CDATA[acct]]></FromUserName>",
		"<Content><![CDATA[hello]]></Content>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("回复缺少 %q，body = %q", want, body)
		}
	}
}

func TestServer_RejectsUnsignedRequests(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { s.deduper.Close() })

	cases := []struct {
		name string
		url  string
	}{
		{"无任何参数", "/mp/callback?echostr=1"},
		{"签名错误", "/mp/callback?timestamp=1700000000&nonce=n&signature=deadbeef&echostr=1"},
		{"缺 nonce", "/mp/callback?timestamp=1700000000&signature=deadbeef&echostr=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			w := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(w, req)
			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", w.Code)
			}
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { s.deduper.Close() })

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != "ok" {
			t.Fatalf("GET %s: status = %d body = %q", path, w.Code, w.Body.String())
		}
	}
}
