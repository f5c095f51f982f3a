package mp

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestSignature_KnownDigest(t *testing.T) {
	t.Parallel()

	// sha1("1000abcbiztoken")，即 [biztoken, abc, 1000] 字典序排序后的拼接。
	got := Signature("biztoken", "1000", "abc")
	want := "e631d18b85d62f3d72aeef0f60eb2c88301bbc53"
	if got != want {
		t.Fatalf("Signature() = %q, want %q", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	token := "t0ken"
	timestamp := "1700000000"
	nonce := "n0nce"
	sig := Signature(token, timestamp, nonce)

	if !VerifySignature(token, timestamp, nonce, sig) {
		t.Fatalf("VerifySignature(正确签名) = false, want true")
	}

	// 任意单字符变异都必须被拒绝。
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}
	if VerifySignature(token, timestamp, nonce, string(mutated)) {
		t.Fatalf("VerifySignature(变异签名) = true, want false")
	}

	if VerifySignature(token, "", nonce, sig) {
		t.Fatalf("VerifySignature(缺 timestamp) = true, want false")
	}
	if VerifySignature(token, timestamp, "", sig) {
		t.Fatalf("VerifySignature(缺 nonce) = true, want false")
	}
	if VerifySignature(token, timestamp, nonce, "") {
		t.Fatalf("VerifySignature(缺 signature) = true, want false")
	}
}

func TestRequireSignature(t *testing.T) {
	t.Parallel()

	token := "req-token"
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("passed"))
	})
	h := RequireSignature(token, next)

	do := func(q url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	timestamp := "1000"
	nonce := "abc"
	good := url.Values{
		"timestamp": {timestamp},
		"nonce":     {nonce},
		"signature": {Signature(token, timestamp, nonce)},
	}
	if w := do(good); w.Code != http.StatusOK || w.Body.String() != "passed" {
		t.Fatalf("正确签名: status = %d body = %q, want 200 passed", w.Code, w.Body.String())
	}

	missing := url.Values{"timestamp": {timestamp}, "nonce": {nonce}}
	if w := do(missing); w.Code != http.StatusForbidden {
		t.Fatalf("缺 signature: status = %d, want 403", w.Code)
	}

	bad := url.Values{
		"timestamp": {timestamp},
		"nonce":     {nonce},
		"signature": {"deadbeef"},
	}
	if w := do(bad); w.Code != http.StatusForbidden {
		t.Fatalf("错误签名: status = %d, want 403", w.Code)
	}
}
