package mp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zcw199604/wechat-mp-gateway/internal/blobstore"
)

func newTestClient(t *testing.T, baseURL string, httpClient *http.Client, store *blobstore.Store) *Client {
	t.Helper()
	if store == nil {
		var err error
		store, err = blobstore.New(t.TempDir())
		if err != nil {
			t.Fatalf("blobstore.New() error: %v", err)
		}
	}
	c, err := NewClient(ClientConfig{
		APIBaseURL: baseURL,
		AppID:      "wxapp",
		Secret:     "sec",
	}, newTestTransport(httpClient), store)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return c
}

func newTokenServer(t *testing.T, hits *int32, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": token,
			"expires_in":   7200,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAccessToken_UsesMemoryCache(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, "AT")
	c := newTestClient(t, srv.URL, srv.Client(), nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		token, err := c.GetAccessToken(ctx)
		if err != nil {
			t.Fatalf("GetAccessToken(%d) error: %v", i, err)
		}
		if token != "AT" {
			t.Fatalf("GetAccessToken(%d) = %q, want %q", i, token, "AT")
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1", got)
	}
}

func TestGetAccessToken_ConcurrentRefreshCoalesces(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "AT",
			"expires_in":   7200,
		})
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL, srv.Client(), nil)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.GetAccessToken(context.Background()); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("GetAccessToken() error: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1", got)
	}
}

func TestGetAccessToken_ReloadsFromBlob(t *testing.T) {
	t.Parallel()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New() error: %v", err)
	}

	var hits int32
	srv := newTokenServer(t, &hits, "AT-net")

	c1 := newTestClient(t, srv.URL, srv.Client(), store)
	if _, err := c1.GetAccessToken(context.Background()); err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1", got)
	}

	// 新进程（新 Client，同一 blob 目录）直接用持久化凭据，不再走网络。
	c2 := newTestClient(t, srv.URL, srv.Client(), store)
	token, err := c2.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if token != "AT-net" {
		t.Fatalf("GetAccessToken() = %q, want %q", token, "AT-net")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1（应命中 blob）", got)
	}
}

func TestGetAccessToken_CorruptBlobDeletedAndRefetched(t *testing.T) {
	t.Parallel()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New() error: %v", err)
	}

	var hits int32
	srv := newTokenServer(t, &hits, "AT-fresh")
	c := newTestClient(t, srv.URL, srv.Client(), store)

	if err := store.Put(c.tokenBlobKey(), []byte("{{{garbage")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	token, err := c.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if token != "AT-fresh" {
		t.Fatalf("GetAccessToken() = %q, want %q", token, "AT-fresh")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1", got)
	}

	// 损坏的 blob 必须已被有效凭据覆盖。
	b, err := store.Get(c.tokenBlobKey())
	if err != nil {
		t.Fatalf("Get(blob) error: %v", err)
	}
	var cred storedCredential
	if err := json.Unmarshal(b, &cred); err != nil {
		t.Fatalf("blob 仍不可解析: %v", err)
	}
	if cred.AccessToken != "AT-fresh" || cred.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("blob 内容 = %+v, want 新凭据与未来过期时间", cred)
	}
}

func TestGetAccessToken_ExpiredBlobTriggersRefresh(t *testing.T) {
	t.Parallel()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New() error: %v", err)
	}

	var hits int32
	srv := newTokenServer(t, &hits, "AT-new")
	c := newTestClient(t, srv.URL, srv.Client(), store)

	stale, _ := json.Marshal(storedCredential{
		AccessToken: "AT-stale",
		ExpiresAt:   time.Now().Add(-time.Hour).Unix(),
	})
	if err := store.Put(c.tokenBlobKey(), stale); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	token, err := c.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if token != "AT-new" {
		t.Fatalf("GetAccessToken() = %q, want %q（过期凭据不得复用）", token, "AT-new")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token hits = %d, want 1", got)
	}
}

func TestGetAccessToken_APIErrorDoesNotWriteBlob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errcode": 40013,
			"errmsg":  "invalid appid",
		})
	}))
	t.Cleanup(srv.Close)

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New() error: %v", err)
	}
	c := newTestClient(t, srv.URL, srv.Client(), store)

	if _, err := c.GetAccessToken(context.Background()); err == nil {
		t.Fatalf("GetAccessToken() error = nil, want 接口错误")
	}
	if _, err := store.Get(c.tokenBlobKey()); err == nil {
		t.Fatalf("刷新失败时不得写入缓存")
	}
}

func TestGetAccessToken_NetworkExhaustionSurfacesError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, srv.Client(), nil)
	if _, err := c.GetAccessToken(context.Background()); err == nil {
		t.Fatalf("GetAccessToken() error = nil, want 重试耗尽错误")
	}
}
