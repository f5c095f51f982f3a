package config

// config.go 负责加载与校验 YAML 配置，并提供默认值填充。
import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	MP        MPConfig        `yaml:"mp"`
	Cache     CacheConfig     `yaml:"cache"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

type LogConfig struct {
	Level LogLevel `yaml:"level"`
}

type LogLevel string

func (l LogLevel) ToSlogLevel() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	HTTPClientTimeout Duration `yaml:"http_client_timeout"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	// MaxBodyBytes 限制回调请求体大小。
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: 仅支持标量值")
	}
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(dd)
	return nil
}

func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

type MPConfig struct {
	AppID  string `yaml:"appid"`
	Secret string `yaml:"secret"`
	Token  string `yaml:"token"`
	// EncodingAESKey 为加密回调模式预留：仅接受并做形状校验，明文模式下不参与处理。
	EncodingAESKey string `yaml:"encoding_aes_key"`
	APIBaseURL     string `yaml:"api_base_url"`
	// APIRateLimit 为平台接口的出站 QPS 上限，0 表示不限流。
	APIRateLimit float64  `yaml:"api_rate_limit"`
	DedupTTL     Duration `yaml:"dedup_ttl"`
}

type CacheConfig struct {
	// Dir 存放 access_token blob 与每日白名单快照。
	Dir string `yaml:"dir"`
}

type WhitelistConfig struct {
	// Enabled 控制是否按平台回调 IP 白名单过滤来源（默认开启，fail-closed）。
	Enabled *bool `yaml:"enabled"`
}

type DispatchConfig struct {
	// FallbackImagePath 为可选的本地兜底图片，见 core.DispatcherDeps。
	FallbackImagePath string `yaml:"fallback_image_path"`
}

func Load(path string) (Config, error) {
	fields := []any{
		"path", path,
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		fields = append(fields, "cwd", wd)
	}
	if fi, err := os.Stat(path); err == nil {
		fields = append(fields,
			"file_size", fi.Size(),
			"file_mod_time", fi.ModTime().Format(time.RFC3339),
		)
	}
	slog.Info("读取配置文件", fields...)

	b, err := os.ReadFile(path)
	if err != nil {
		slog.Error("读取配置文件失败", "path", path, "error", err)
		return Config{}, err
	}
	sum := sha256.Sum256(b)
	slog.Info("配置文件读取成功",
		"path", path,
		"file_bytes", len(b),
		"file_sha256", fmt.Sprintf("%x", sum[:]),
	)

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		slog.Error("解析配置文件失败（YAML）", "path", path, "error", err)
		return Config{}, err
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		slog.Error("配置校验失败", "path", path, "error", err)
		return Config{}, err
	}

	slog.Info("配置加载成功（敏感字段已脱敏）",
		"server.listen_addr", cfg.Server.ListenAddr,
		"server.http_client_timeout", cfg.Server.HTTPClientTimeout.ToDuration().String(),
		"server.read_header_timeout", cfg.Server.ReadHeaderTimeout.ToDuration().String(),
		"server.max_body_bytes", cfg.Server.MaxBodyBytes,
		"log.level", string(cfg.Log.Level),

		"mp.appid", maskSensitive(cfg.MP.AppID),
		"mp.api_base_url", cfg.MP.APIBaseURL,
		"mp.token_len", len(cfg.MP.Token),
		"mp.secret_len", len(cfg.MP.Secret),
		"mp.encoding_aes_key_set", strings.TrimSpace(cfg.MP.EncodingAESKey) != "",
		"mp.api_rate_limit", cfg.MP.APIRateLimit,
		"mp.dedup_ttl", cfg.MP.DedupTTL.ToDuration().String(),

		"cache.dir", cfg.Cache.Dir,
		"whitelist.enabled", cfg.Whitelist.Enabled != nil && *cfg.Whitelist.Enabled,
		"dispatch.fallback_image_set", strings.TrimSpace(cfg.Dispatch.FallbackImagePath) != "",
	)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.HTTPClientTimeout == 0 {
		cfg.Server.HTTPClientTimeout = Duration(15 * time.Second)
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.MP.APIBaseURL == "" {
		cfg.MP.APIBaseURL = "https://api.weixin.qq.com/cgi-bin"
	}
	if cfg.MP.DedupTTL == 0 {
		cfg.MP.DedupTTL = Duration(10 * time.Minute)
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "cache"
	}
	if cfg.Whitelist.Enabled == nil {
		v := true
		cfg.Whitelist.Enabled = &v
	}
}

func validate(cfg Config) error {
	var problems []string

	if cfg.Server.ListenAddr == "" {
		problems = append(problems, "server.listen_addr 不能为空")
	}
	if cfg.Server.HTTPClientTimeout.ToDuration() <= 0 {
		problems = append(problems, "server.http_client_timeout 不能为空且必须为正数（例如 15s）")
	}
	if cfg.Server.ReadHeaderTimeout.ToDuration() <= 0 {
		problems = append(problems, "server.read_header_timeout 不能为空且必须为正数（例如 10s）")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes 必须为正数")
	}

	if cfg.MP.AppID == "" {
		problems = append(problems, "mp.appid 不能为空")
	}
	if cfg.MP.Secret == "" {
		problems = append(problems, "mp.secret 不能为空")
	}
	if cfg.MP.Token == "" {
		problems = append(problems, "mp.token 不能为空")
	}
	if cfg.MP.APIBaseURL == "" {
		problems = append(problems, "mp.api_base_url 不能为空")
	} else {
		u, err := url.Parse(cfg.MP.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "mp.api_base_url 不合法（示例：https://api.weixin.qq.com/cgi-bin）")
		}
	}
	if key := strings.TrimSpace(cfg.MP.EncodingAESKey); key != "" && len(key) != 43 {
		problems = append(problems, "mp.encoding_aes_key 不合法（需为 43 字符）")
	}
	if cfg.MP.APIRateLimit < 0 {
		problems = append(problems, "mp.api_rate_limit 不能为负数（0 表示不限流）")
	}
	if cfg.MP.DedupTTL.ToDuration() <= 0 {
		problems = append(problems, "mp.dedup_ttl 不能为空且必须为正数（例如 10m）")
	}

	if strings.TrimSpace(cfg.Cache.Dir) == "" {
		problems = append(problems, "cache.dir 不能为空")
	}

	if p := strings.TrimSpace(cfg.Dispatch.FallbackImagePath); p != "" {
		if !strings.HasSuffix(p, ".jpg") && !strings.HasSuffix(p, ".png") {
			problems = append(problems, "dispatch.fallback_image_path 不合法（仅支持 jpg/png）")
		}
	}

	if len(problems) > 0 {
		return errors.New("配置校验失败: " + strings.Join(problems, "; "))
	}
	return nil
}

func maskSensitive(s string) string {
	input := strings.TrimSpace(s)
	if input == "" {
		return ""
	}
	if len(input) <= 2 {
		return "**"
	}
	if len(input) <= 8 {
		return input[:1] + strings.Repeat("*", len(input)-2) + input[len(input)-1:]
	}
	return input[:3] + strings.Repeat("*", len(input)-6) + input[len(input)-3:]
}
