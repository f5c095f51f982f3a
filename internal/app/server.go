package app

// server.go 负责装配依赖并启动 HTTP 路由（公众号回调入口等）。
import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zcw199604/wechat-mp-gateway/internal/blobstore"
	"github.com/zcw199604/wechat-mp-gateway/internal/config"
	"github.com/zcw199604/wechat-mp-gateway/internal/core"
	"github.com/zcw199604/wechat-mp-gateway/internal/mp"
)

type Server struct {
	cfg     config.Config
	server  *http.Server
	deduper *mp.Deduper
}

func NewServer(cfg config.Config) (*Server, error) {
	httpClient := &http.Client{
		Timeout: cfg.Server.HTTPClientTimeout.ToDuration(),
	}

	var limiter *rate.Limiter
	if cfg.MP.APIRateLimit > 0 {
		burst := int(cfg.MP.APIRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MP.APIRateLimit), burst)
	}
	transport := mp.NewTransport(httpClient, limiter)

	store, err := blobstore.New(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}

	client, err := mp.NewClient(mp.ClientConfig{
		APIBaseURL: cfg.MP.APIBaseURL,
		AppID:      cfg.MP.AppID,
		Secret:     cfg.MP.Secret,
	}, transport, store)
	if err != nil {
		return nil, err
	}

	whitelist := mp.NewWhitelist(client, store)
	deduper := mp.NewDeduper(cfg.MP.DedupTTL.ToDuration())

	dispatcher := core.NewDispatcher(core.DispatcherDeps{
		Uploader:          client,
		FallbackImagePath: cfg.Dispatch.FallbackImagePath,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// 先过白名单，再验签，最后进业务；顺序与原协议一致。
	guard := func(h http.Handler) http.Handler {
		h = mp.RequireSignature(cfg.MP.Token, h)
		if cfg.Whitelist.Enabled != nil && *cfg.Whitelist.Enabled {
			h = mp.RequireCallbackIP(whitelist, h)
		}
		return h
	}

	mux.Handle("GET /mp/callback", guard(mp.NewEchoHandler()))
	mux.Handle("POST /mp/callback", guard(mp.NewCallbackHandler(mp.CallbackDeps{
		Core:         dispatcher,
		Deduper:      deduper,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})))

	s := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           withRequestLogging(mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.ToDuration(),
	}

	return &Server{
		cfg:     cfg,
		server:  s,
		deduper: deduper,
	}, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	if listener == nil {
		return fmt.Errorf("nil listener")
	}
	slog.Info("HTTP 服务启动",
		"listen_addr", s.cfg.Server.ListenAddr,
		"listener_addr", listener.Addr().String(),
	)
	err := s.server.Serve(listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve: %w", err)
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP 服务关闭中")
	err := s.server.Shutdown(ctx)
	if s.deduper != nil {
		s.deduper.Close()
	}
	return err
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		slog.Info("请求完成",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", sw.status,
			"response_bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}
