// Package core 实现公众号入站消息的类型分发：按消息类型查表产出回复信封。
package core

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/zcw199604/wechat-mp-gateway/internal/mp"
)

// MediaUploader 供需要新素材引用的回复使用；入站已携带 MediaId 时不会被调用。
type MediaUploader interface {
	UploadMedia(ctx context.Context, kind mp.MediaKind, path, title, introduction string) (mp.MediaReference, error)
}

type DispatcherDeps struct {
	Uploader MediaUploader
	// FallbackImagePath 为可选的本地兜底图片：入站图片消息缺失 MediaId 时上传后回复。
	FallbackImagePath string
}

type handlerFunc func(ctx context.Context, msg mp.IncomingMessage) (*mp.Reply, error)

// Dispatcher 是消息类型状态机：每种类型对应唯一 handler，未知类型与
// 拒绝产出的 handler 都落到“只确认不回复”。
type Dispatcher struct {
	uploader          MediaUploader
	fallbackImagePath string
	handlers          map[string]handlerFunc

	// now 仅测试中替换。
	now func() time.Time
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		uploader:          deps.Uploader,
		fallbackImagePath: deps.FallbackImagePath,
		now:               time.Now,
	}
	d.handlers = map[string]handlerFunc{
		mp.MsgTypeText:       d.handleText,
		mp.MsgTypeImage:      d.handleImage,
		mp.MsgTypeVoice:      d.handleVoice,
		mp.MsgTypeVideo:      d.handleVideo,
		mp.MsgTypeShortVideo: d.handleShortVideo,
		mp.MsgTypeLocation:   d.handleLocation,
		mp.MsgTypeLink:       d.handleLink,
		mp.MsgTypeEvent:      d.handleEvent,
	}
	return d
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	h, ok := d.handlers[strings.TrimSpace(msg.MsgType)]
	if !ok {
		slog.Info("mp 未知消息类型，仅确认", "msg_type", msg.MsgType)
		return nil, nil
	}
	return h(ctx, msg)
}

func (d *Dispatcher) handleText(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到文本消息",
		"user_id", msg.FromUserName,
		"content_len", len(msg.Content),
		"msg_id", msg.MsgID,
	)
	return mp.TextReply(msg, d.now(), msg.Content), nil
}

func (d *Dispatcher) handleImage(ctx context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到图片消息",
		"user_id", msg.FromUserName,
		"pic_url", msg.PicURL,
		"msg_id", msg.MsgID,
	)
	mediaID := msg.MediaID
	if mediaID == "" {
		ref, ok := d.uploadFallbackImage(ctx)
		if !ok {
			return nil, nil
		}
		mediaID = ref.ID
	}
	return mp.ImageReply(msg, d.now(), mediaID), nil
}

func (d *Dispatcher) handleVoice(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到语音消息",
		"user_id", msg.FromUserName,
		"format", msg.Format,
		"recognition_len", len(msg.Recognition),
		"msg_id", msg.MsgID,
	)
	if msg.MediaID == "" {
		return nil, nil
	}
	return mp.VoiceReply(msg, d.now(), msg.MediaID), nil
}

func (d *Dispatcher) handleVideo(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到视频消息",
		"user_id", msg.FromUserName,
		"thumb_media_id", msg.ThumbMediaID,
		"msg_id", msg.MsgID,
	)
	if msg.MediaID == "" {
		return nil, nil
	}
	return mp.VideoReply(msg, d.now(), msg.MediaID, "原视频", "简介"), nil
}

func (d *Dispatcher) handleShortVideo(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到短视频消息",
		"user_id", msg.FromUserName,
		"msg_id", msg.MsgID,
	)
	return nil, nil
}

// handleLocation 是终端分支：仅记录，不回复。
func (d *Dispatcher) handleLocation(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到地理位置消息",
		"user_id", msg.FromUserName,
		"label", msg.Label,
		"location_x", msg.LocationX,
		"location_y", msg.LocationY,
		"scale", msg.Scale,
	)
	return nil, nil
}

func (d *Dispatcher) handleLink(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	slog.Info("公众号接收到链接消息",
		"user_id", msg.FromUserName,
		"url", msg.URL,
	)
	return mp.NewsReply(msg, d.now(), msg.Title, msg.Description, "", msg.URL), nil
}

// handleEvent 是终端分支：订阅号事件主要是关注与取关，仅记录。
func (d *Dispatcher) handleEvent(_ context.Context, msg mp.IncomingMessage) (*mp.Reply, error) {
	switch msg.Event {
	case "subscribe":
		slog.Info("用户关注了公众号", "user_id", msg.FromUserName)
	case "unsubscribe":
		slog.Info("用户取关了公众号", "user_id", msg.FromUserName)
	default:
		slog.Info("公众号接收到事件消息", "user_id", msg.FromUserName, "event", msg.Event)
	}
	return nil, nil
}

func (d *Dispatcher) uploadFallbackImage(ctx context.Context) (mp.MediaReference, bool) {
	if d.uploader == nil || strings.TrimSpace(d.fallbackImagePath) == "" {
		return mp.MediaReference{}, false
	}
	ref, err := d.uploader.UploadMedia(ctx, mp.MediaImage, d.fallbackImagePath, "", "")
	if err != nil {
		slog.Warn("mp 兜底图片上传失败", "path", d.fallbackImagePath, "error", err)
		return mp.MediaReference{}, false
	}
	return ref, true
}
