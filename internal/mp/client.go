package mp

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zcw199604/wechat-mp-gateway/internal/blobstore"
)

type ClientConfig struct {
	APIBaseURL string
	AppID      string
	Secret     string
}

// Client 是公众号平台 API 的客户端：access_token 获取与缓存、素材上传、IP 列表查询。
// access_token 按 (appid, secret) 对应一个本地 blob 持久化，进程内另有内存副本。
type Client struct {
	cfg       ClientConfig
	transport *Transport
	store     *blobstore.Store

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	tokenSF singleflight.Group

	// now 仅测试中替换。
	now func() time.Time
}

func NewClient(cfg ClientConfig, transport *Transport, store *blobstore.Store) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("mp api_base_url 不能为空")
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("mp appid 不能为空")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("mp secret 不能为空")
	}
	if transport == nil {
		return nil, errors.New("mp transport 不能为空")
	}
	if store == nil {
		return nil, errors.New("mp blob store 不能为空")
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		store:     store,
		now:       time.Now,
	}, nil
}

// tokenBlobKey 由 (appid, secret) 的稳定哈希导出，凭据变更即切换到新 blob。
func (c *Client) tokenBlobKey() string {
	sum := sha256.Sum256([]byte(c.cfg.AppID + c.cfg.Secret))
	return fmt.Sprintf("token_%x.json", sum[:8])
}
