package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"icapfilter/adblock"
	"icapfilter/logger"
	"icapfilter/stats"
)

// APIResponse 统一的 API 响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ReloadRecorder 记录规则重载结果，metrics.Collector 实现了该接口
type ReloadRecorder interface {
	RecordReload(err error)
}

// Options Web API 服务器依赖
type Options struct {
	Port    int
	Manager *adblock.Manager
	Stats   *stats.Stats
	// Metrics 为 /metrics 处理器，可为 nil
	Metrics http.Handler
	// Reloads 可为 nil
	Reloads ReloadRecorder
	// ISTag 返回当前的 ICAP ISTag，可为 nil
	ISTag func() string
}

// Server Web API 服务器
type Server struct {
	opts     Options
	router   chi.Router
	listener *http.Server

	updateMu   sync.Mutex
	isUpdating bool
	updates    sync.WaitGroup
}

// NewServer 创建新的 Web API 服务器
func NewServer(opts Options) *Server {
	s := &Server{opts: opts}
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/stats", s.handleStats)
		r.Post("/stats/clear", s.handleClearStats)
		r.Post("/toggle", s.handleToggle)

		r.Get("/sources", s.handleSources)
		r.Put("/sources", s.handleSetSourceEnabled)
		r.Post("/update", s.handleUpdate)
		r.Post("/reload", s.handleReload)

		r.Get("/test", s.handleTest)
		r.Get("/inject", s.handleInject)
		r.Get("/learning", s.handleLearning)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSONError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
	})

	s.router = r
}

// Handler 返回 API 路由，便于测试或挂载到其他服务器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 Web API 服务，阻塞直到服务关闭
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	s.listener = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infof("[WebAPI] Web API server started on http://localhost:%d", s.opts.Port)
	err := s.listener.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭 Web API 服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Shutdown(ctx)
}

// corsMiddleware CORS 中间件
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSONError 写入 JSON 错误响应
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Message: message,
	})
}

// writeJSONSuccess 写入 JSON 成功响应
func (s *Server) writeJSONSuccess(w http.ResponseWriter, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}
