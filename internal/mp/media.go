package mp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

// MediaReference 是平台上传接口返回的素材引用，仅作为不透明 ID 嵌入回复。
type MediaReference struct {
	ID string
}

// TempImage 是临时图片上传结果：小图走 uploadimg 返回直链 URL，
// 达到 1MiB 的图片改走永久素材接口返回 MediaID，二者只会设置其一。
type TempImage struct {
	URL     string
	MediaID string
}

const tempImageSizeLimit = 1 << 20

// UploadTempImage 上传图文消息内所用的图片。仅支持 jpg/png，且必须存在于本地。
func (c *Client) UploadTempImage(ctx context.Context, path string) (TempImage, error) {
	fi, err := validateMediaPath(MediaImage, path)
	if err != nil {
		return TempImage{}, err
	}
	if fi.Size() >= tempImageSizeLimit {
		ref, err := c.UploadMedia(ctx, MediaImage, path, "", "")
		if err != nil {
			return TempImage{}, err
		}
		return TempImage{MediaID: ref.ID}, nil
	}

	text, err := c.uploadForm(ctx, "/media/uploadimg", url.Values{}, MediaImage, path, "")
	if err != nil {
		return TempImage{}, err
	}

	var out struct {
		URL     string `json:"url"`
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return TempImage{}, fmt.Errorf("mp uploadimg 解析响应失败: %w", err)
	}
	if out.URL == "" {
		return TempImage{}, fmt.Errorf("mp uploadimg 返回错误: %d %s", out.ErrCode, out.ErrMsg)
	}
	return TempImage{URL: out.URL}, nil
}

// UploadTempMedia 上传临时素材（3 天有效）。语音 2MiB/60s 的约束由调用方保证。
// 未通过认证的订阅号没有该接口权限。
func (c *Client) UploadTempMedia(ctx context.Context, kind MediaKind, path string) (MediaReference, error) {
	if _, err := validateMediaPath(kind, path); err != nil {
		return MediaReference{}, err
	}

	q := url.Values{"type": {string(kind)}}
	text, err := c.uploadForm(ctx, "/media/upload", q, kind, path, "")
	if err != nil {
		return MediaReference{}, err
	}
	return parseMediaReference("media/upload", text)
}

// UploadMedia 上传永久素材。视频必须携带 title 与 introduction，
// 缺失时在发起任何网络调用之前即拒绝。
func (c *Client) UploadMedia(ctx context.Context, kind MediaKind, path, title, introduction string) (MediaReference, error) {
	if kind == MediaVideo && (strings.TrimSpace(title) == "" || strings.TrimSpace(introduction) == "") {
		slog.Info("mp 上传视频缺少标题或简介", "path", path)
		return MediaReference{}, errors.New("mp 上传视频需指定 title 和 introduction")
	}
	if _, err := validateMediaPath(kind, path); err != nil {
		return MediaReference{}, err
	}

	description := ""
	if kind == MediaVideo {
		b, err := json.Marshal(map[string]string{
			"title":        title,
			"introduction": introduction,
		})
		if err != nil {
			return MediaReference{}, fmt.Errorf("mp 上传视频编码 description 失败: %w", err)
		}
		description = string(b)
	}

	q := url.Values{"type": {string(kind)}}
	text, err := c.uploadForm(ctx, "/material/add_material", q, kind, path, description)
	if err != nil {
		return MediaReference{}, err
	}
	return parseMediaReference("material/add_material", text)
}

// uploadForm 构造 multipart 表单并 POST 到指定上传接口。先取 access_token，
// 取不到时不发起上传。
func (c *Client) uploadForm(ctx context.Context, path string, q url.Values, kind MediaKind, mediaPath, description string) (string, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}
	q.Set("access_token", token)

	body, contentType, err := buildMediaForm(kind, mediaPath, description)
	if err != nil {
		return "", err
	}

	text, err := c.transport.Request(ctx, http.MethodPost, c.cfg.APIBaseURL+path, q, body, contentType)
	if err != nil {
		return "", fmt.Errorf("mp 上传请求失败: %w", err)
	}
	return text, nil
}

func parseMediaReference(api, text string) (MediaReference, error) {
	var out struct {
		MediaID string `json:"media_id"`
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return MediaReference{}, fmt.Errorf("mp %s 解析响应失败: %w", api, err)
	}
	if out.MediaID == "" {
		return MediaReference{}, fmt.Errorf("mp %s 返回错误: %d %s", api, out.ErrCode, out.ErrMsg)
	}
	return MediaReference{ID: out.MediaID}, nil
}

func validateMediaPath(kind MediaKind, path string) (os.FileInfo, error) {
	switch kind {
	case MediaImage, MediaVoice, MediaVideo:
	default:
		return nil, fmt.Errorf("mp 不支持的素材类型: %q", kind)
	}
	fi, err := os.Stat(path)
	if err != nil {
		slog.Info("mp 素材路径不存在", "path", path, "error", err)
		return nil, fmt.Errorf("mp 素材路径不存在: %w", err)
	}
	if kind == MediaImage && !strings.HasSuffix(path, ".jpg") && !strings.HasSuffix(path, ".png") {
		slog.Info("mp 图片后缀不合法", "path", path)
		return nil, errors.New("mp 图片仅支持 jpg/png 后缀")
	}
	return fi, nil
}

func mediaContentType(kind MediaKind, path string) string {
	switch kind {
	case MediaVoice:
		return "audio/mp3"
	case MediaVideo:
		return "video/mp4"
	default:
		// image/jpg 或 image/png，取文件名末三个字符。
		return "image/" + path[len(path)-3:]
	}
}

func buildMediaForm(kind MediaKind, path, description string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("mp 打开素材失败: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", mediaContentType(kind, path))
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("mp 构造表单失败: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("mp 读取素材失败: %w", err)
	}

	if description != "" {
		if err := w.WriteField("description", description); err != nil {
			return nil, "", fmt.Errorf("mp 构造表单失败: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("mp 构造表单失败: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
