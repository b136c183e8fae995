package webapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"icapfilter/filter"
	"icapfilter/logger"
)

const (
	// maxReloadBody 通过 API 提交的规则文本上限
	maxReloadBody = 10 * 1024 * 1024
	defaultLimit  = 100
)

// handleHealth 处理健康检查请求
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":  "healthy",
		"enabled": s.opts.Manager.Enabled(),
	}
	if s.opts.ISTag != nil {
		data["istag"] = s.opts.ISTag()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// handleStats 处理统计请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"filter": s.opts.Manager.GetStats(),
	}
	if s.opts.Stats != nil {
		data["traffic"] = s.opts.Stats.GetStats()
	}
	s.writeJSONSuccess(w, "Stats retrieved successfully", data)
}

// handleClearStats 处理清空统计请求
func (s *Server) handleClearStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats != nil {
		s.opts.Stats.Reset()
	}
	logger.Info("[WebAPI] Statistics cleared via API request.")
	s.writeJSONSuccess(w, "Stats cleared", nil)
}

// handleToggle 处理过滤开关请求
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Enabled == nil {
		s.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.opts.Manager.SetEnabled(*payload.Enabled)
	logger.Infof("[WebAPI] Filtering enabled set to %v", *payload.Enabled)
	s.writeJSONSuccess(w, "Filtering status updated", map[string]bool{"enabled": *payload.Enabled})
}

// handleSources 处理规则源列表请求
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSONSuccess(w, "Filter sources retrieved successfully", s.opts.Manager.GetSources())
}

// handleSetSourceEnabled 启用或禁用规则源
func (s *Server) handleSetSourceEnabled(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL     string `json:"url"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if payload.URL == "" {
		s.writeJSONError(w, "URL cannot be empty", http.StatusBadRequest)
		return
	}
	if err := s.opts.Manager.SetSourceEnabled(payload.URL, payload.Enabled); err != nil {
		logger.Errorf("[WebAPI] Failed to set source %s enabled to %v: %v", payload.URL, payload.Enabled, err)
		s.writeJSONError(w, "Failed to update source: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSONSuccess(w, "Filter source status updated successfully", nil)
}

// handleUpdate 在后台强制更新所有规则源
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// 检查是否有更新正在进行中
	s.updateMu.Lock()
	if s.isUpdating {
		s.updateMu.Unlock()
		s.writeJSONError(w, "Rule update is already in progress, please wait", http.StatusConflict)
		return
	}
	s.isUpdating = true
	s.updates.Add(1)
	s.updateMu.Unlock()

	go func() {
		defer s.updates.Done()
		defer func() {
			s.updateMu.Lock()
			s.isUpdating = false
			s.updateMu.Unlock()
		}()
		result, err := s.opts.Manager.UpdateRules(context.Background(), true)
		s.recordReload(err)
		if err != nil {
			logger.Errorf("[WebAPI] Manual update failed: %v", err)
			return
		}
		logger.Infof("[WebAPI] Manual update completed: %+v", result)
	}()

	s.writeJSONSuccess(w, "Rule update started", nil)
}

// handleReload 使用请求体中的规则文本重建规则集
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.ContentLength != 0 {
		body = http.MaxBytesReader(w, r.Body, maxReloadBody)
	}
	result, err := s.opts.Manager.Reload(r.Context(), body)
	s.recordReload(err)
	if err != nil {
		logger.Errorf("[WebAPI] Reload failed: %v", err)
		s.writeJSONError(w, "Reload failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSONSuccess(w, "Rules reloaded", result)
}

func (s *Server) recordReload(err error) {
	if s.opts.Reloads != nil {
		s.opts.Reloads.RecordReload(err)
	}
}

// handleTest 测试一个 URL 的过滤结果，不影响统计和学习
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		s.writeJSONError(w, "Missing url parameter", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(target); err != nil || u.Hostname() == "" {
		s.writeJSONError(w, "Invalid url parameter", http.StatusBadRequest)
		return
	}

	dir := filter.DirectionRequest
	switch strings.ToLower(q.Get("direction")) {
	case "", "request":
	case "response":
		dir = filter.DirectionResponse
	default:
		s.writeJSONError(w, "direction must be request or response", http.StatusBadRequest)
		return
	}

	ctx := filter.NewContext(target, q.Get("referrer"), q.Get("accept"), dir)
	s.writeJSONSuccess(w, "URL tested", s.opts.Manager.Test(ctx))
}

// handleInject 预览某个主机的注入内容
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		s.writeJSONError(w, "Missing host parameter", http.StatusBadRequest)
		return
	}
	s.writeJSONSuccess(w, "Injection rendered", map[string]string{
		"host":    host,
		"snippet": s.opts.Manager.Render(host),
	})
}

type learnedRule struct {
	Definition string `json:"definition"`
	Action     string `json:"action"`
	Priority   string `json:"priority"`
}

type learnedEntry struct {
	Hostname string        `json:"hostname"`
	Rules    []learnedRule `json:"rules"`
}

// handleLearning 返回学习子系统的状态与已学习的规则
func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	l := s.opts.Manager.Learner()
	if l == nil {
		s.writeJSONSuccess(w, "Learning is disabled", map[string]interface{}{"enabled": false})
		return
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := l.Entries()
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]learnedEntry, 0, len(entries))
	for _, e := range entries {
		le := learnedEntry{Hostname: e.Hostname}
		for _, rule := range e.Rules {
			le.Rules = append(le.Rules, learnedRule{
				Definition: rule.Definition(),
				Action:     rule.Action().String(),
				Priority:   rule.Priority().String(),
			})
		}
		out = append(out, le)
	}

	s.writeJSONSuccess(w, "Learning status retrieved successfully", map[string]interface{}{
		"enabled": true,
		"stats":   l.Stats(),
		"entries": out,
	})
}
