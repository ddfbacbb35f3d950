// Package wsapi WebSocket 服务端: HTTP 升级, 会话识别与恢复, 每连接的状态机与投递队列。
//
// 路由 (gin):
//
//	GET /ws       WebSocket 升级
//	GET /healthz  存活检查
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/database"
	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/internal/store"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
	"github.com/multi-agent/shellgui/pkg/util"
)

const authCacheSize = 256

// Server WebSocket 服务端。所有连接共享一个调度器。
type Server struct {
	cfg      *config.Config
	disp     *dispatch.Dispatcher
	engine   *gin.Engine
	upgrader websocket.Upgrader
	origins  []string

	// Basic 认证成功的凭据: CredentialKey → user id。
	authCache *expirable.LRU[string, int64]

	mu     sync.RWMutex
	conns  map[string]*conn
	nextID atomic.Int64
	wg     sync.WaitGroup
}

// New 创建服务端并注册路由。
func New(cfg *config.Config, disp *dispatch.Dispatcher) *Server {
	s := &Server{
		cfg:       cfg,
		disp:      disp,
		conns:     make(map[string]*conn),
		authCache: expirable.NewLRU[string, int64](authCacheSize, nil, cfg.AuthCacheTTL()),
	}
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			s.origins = append(s.origins, o)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()
	return s
}

// Engine 返回 gin 引擎 (供测试与外部挂载)。
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/ws", s.handleWS)
	s.engine.GET("/healthz", s.handleHealth)
}

// requestLogger 普通 HTTP 请求记 debug 日志。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("ws-server: http request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDuration, time.Since(start).Milliseconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.ConnCount(),
	})
}

// ConnCount 当前连接数。
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// handleWS 升级为 WebSocket 并阻塞处理该连接直到关闭。
//
// 顺序: 连接数限制 → 打开后端会话 → Basic 认证 (可选) → 会话识别 → 升级 (带 Set-Cookie)。
func (s *Server) handleWS(gc *gin.Context) {
	w, r := gc.Writer, gc.Request
	if n := s.ConnCount(); n >= s.cfg.MaxConnections {
		logger.Warn("ws-server: connection rejected (max reached)", logger.FieldMax, s.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	connID := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	be, err := database.OpenBackend(ctx, s.cfg, connID)
	if err != nil {
		logger.Error("ws-server: open backend session failed", logger.FieldConn, connID, logger.FieldError, err)
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	var basicKey string
	if s.cfg.RequireBasicAuth {
		key, ok := s.checkBasicAuth(ctx, be, r)
		if !ok {
			_ = be.Close()
			w.Header().Set("WWW-Authenticate", `Basic realm="shellgui"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		basicKey = key
	}

	remoteIP := gc.RemoteIP()
	var cookieUUID string
	if ck, err := r.Cookie(SessionCookie); err == nil {
		cookieUUID = ck.Value
	}
	id, idErr := resolveIdentity(ctx, store.New(be), cookieUUID, remoteIP, s.cfg.SessionRecoveryMaxAge())

	header := http.Header{}
	if idErr == nil {
		header.Add("Set-Cookie", sessionCookie(id.uuid).String())
	}
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		logger.Error("ws-server: upgrade failed", logger.FieldConn, connID, logger.FieldError, err)
		_ = be.Close()
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	// 会话行无法写入: 回复错误后立即断开。
	if idErr != nil {
		logger.Error("ws-server: session could not be registered", logger.FieldConn, connID, logger.FieldError, idErr)
		data, _ := json.Marshal(protocol.FromError("", idErr))
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, data)
		_ = ws.Close()
		_ = be.Close()
		return
	}

	c := newConn(ctx, s, connID, ws, be, remoteIP)
	c.basicKey = basicKey
	s.wg.Add(1)
	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()
	logger.Info("ws-server: client connected", logger.FieldConn, connID, logger.FieldRemote, r.RemoteAddr)

	stop := context.AfterFunc(c.ctx, func() { _ = ws.Close() })
	defer func() {
		stop()
		c.close()
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		s.wg.Done()
		logger.Info("ws-server: client disconnected", logger.FieldConn, connID)
	}()

	c.start(id)
	c.readLoop()
}

// checkOrigin 配置了 AllowedOrigins 时按其匹配, 否则只允许本机来源。
// 无 Origin header 的非浏览器客户端始终放行。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.ToLower(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed := s.origins
	if len(allowed) == 0 {
		allowed = []string{
			"http://localhost", "https://localhost",
			"http://127.0.0.1", "https://127.0.0.1",
			"http://[::1]", "https://[::1]",
		}
	}
	for _, a := range allowed {
		if a == "*" || originMatches(origin, a) {
			return true
		}
	}
	logger.Warn("ws-server: rejected origin", logger.FieldOrigin, origin)
	return false
}

// originMatches origin 等于 allowed, 或在其后紧跟端口 / 路径。
// "http://localhost" 不匹配 "http://localhost.evil.com"。
func originMatches(origin, allowed string) bool {
	allowed = strings.TrimSuffix(allowed, "/")
	if !strings.HasPrefix(origin, allowed) {
		return false
	}
	rest := origin[len(allowed):]
	return rest == "" || rest[0] == ':' || rest[0] == '/'
}

// checkBasicAuth 校验 Authorization: Basic。成功的凭据按 AuthCacheTTL 缓存, 失败的立即移出缓存。
func (s *Server) checkBasicAuth(ctx context.Context, be *dbsession.Session, r *http.Request) (string, bool) {
	user, pw, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	key := store.CredentialKey(user, pw)
	if _, hit := s.authCache.Get(key); hit {
		return key, true
	}
	u, err := store.New(be).Users.Authenticate(ctx, user, pw)
	if err != nil {
		s.authCache.Remove(key)
		logger.Warn("ws-server: basic auth failed", logger.FieldName, user, logger.FieldError, err)
		return "", false
	}
	s.authCache.Add(key, u.ID)
	return key, true
}

// forgetCredentials 登出或认证失败时作废缓存的凭据。
func (s *Server) forgetCredentials(key string) {
	s.authCache.Remove(key)
}

// Shutdown 断开所有连接并等待其关闭序列完成。
func (s *Server) Shutdown() {
	s.mu.RLock()
	snapshot := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()
	for _, c := range snapshot {
		c.cancel()
	}
	s.wg.Wait()
}

// ListenAndServe 监听 addr 直到 ctx 取消。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭: 先停止接收新连接, 再断开已升级的 WebSocket。
	done := make(chan struct{})
	util.SafeGo(func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("ws-server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ws-server: shutdown error", logger.FieldError, err)
		}
		s.Shutdown()
		logger.Info("ws-server: shutdown completed")
	})

	logger.Info("ws-server: listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.Wrap(err, "Server.ListenAndServe", "listen")
	}
	<-done
	return nil
}
