package mp

import (
	"context"
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// MessageHandler 把入站信封转换为回复信封；返回 nil 表示只确认不回复。
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg IncomingMessage) (*Reply, error)
}

type CallbackDeps struct {
	Core    MessageHandler
	Deduper *Deduper
	// MaxBodyBytes 限制回调请求体大小，避免恶意超大 body 导致内存/CPU 被占满。默认 1MiB。
	MaxBodyBytes int64
}

// NewEchoHandler 处理平台接入校验：原样返回 echostr。
// 验签由外层 RequireSignature 完成。
func NewEchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		echostr := r.URL.Query().Get("echostr")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(echostr))
	})
}

// NewCallbackHandler 处理消息投递：解析 XML 信封、去重、分发并序列化回复。
// 任何无法产出回复的情况都降级为 success 确认体，协议没有向平台上报内部错误的通道。
func NewCallbackHandler(deps CallbackDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxBody := deps.MaxBodyBytes
		if maxBody <= 0 {
			maxBody = 1 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)

		b, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(b) == 0 {
			http.Error(w, "invalid post_data", http.StatusForbidden)
			return
		}

		var msg IncomingMessage
		if err := xml.Unmarshal(b, &msg); err != nil {
			http.Error(w, "bad xml", http.StatusBadRequest)
			return
		}

		key := callbackDedupeKey(msg, b)
		if deps.Deduper != nil && key != "" && deps.Deduper.SeenOrMark(key) {
			slog.Info("mp callback 重复消息已忽略",
				"user_id", strings.TrimSpace(msg.FromUserName),
				"msg_type", strings.TrimSpace(msg.MsgType),
				"msg_id", strings.TrimSpace(msg.MsgID),
			)
			writeAck(w)
			return
		}

		reply, err := deps.Core.HandleMessage(r.Context(), msg)
		if err != nil {
			slog.Error("mp callback 处理失败（降级为确认体）",
				"error", err,
				"user_id", strings.TrimSpace(msg.FromUserName),
				"msg_type", strings.TrimSpace(msg.MsgType),
				"msg_id", strings.TrimSpace(msg.MsgID),
			)
			writeAck(w)
			return
		}
		if reply == nil {
			writeAck(w)
			return
		}

		out, err := xml.Marshal(reply)
		if err != nil {
			slog.Error("mp callback 序列化回复失败", "error", err)
			writeAck(w)
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	})
}

func writeAck(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(AckBody))
}

func callbackDedupeKey(msg IncomingMessage, body []byte) string {
	user := strings.TrimSpace(msg.FromUserName)
	if mid := strings.TrimSpace(msg.MsgID); mid != "" {
		return fmt.Sprintf("msg:%s:%s", user, mid)
	}
	// 事件消息没有 MsgId，按原始 body 摘要去重。
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		return fmt.Sprintf("sha256:%x", sum[:])
	}
	return ""
}
