// Package server exposes the retrieval subsystem over HTTP: the
// transport-agnostic chat(...) contract from §6 as an SSE stream, plus
// the admin reload/health surface. Grounded on the teacher's echo-based
// rag_http.Handler — the functional-options constructor, the
// http.Flusher/keepalive-ticker SSE loop, and the health/readyz split —
// generalized from one RAG-answer usecase to running the pipeline
// against any registered adapter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"orbit/internal/breaker"
	"orbit/internal/domain"
	"orbit/internal/pipeline"
	"orbit/internal/registry"
)

// ChatRequest is the wire shape of the §6 chat(...) request.
type ChatRequest struct {
	Message     string         `json:"message"`
	AdapterName string         `json:"adapter_name"`
	SessionID   string         `json:"session_id,omitempty"`
	APIKey      string         `json:"api_key,omitempty"`
	FileIDs     []string       `json:"file_ids,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	BypassCache bool           `json:"bypass_cache,omitempty"`
}

// ChatChunk mirrors §6's ChatChunk: content and text are aliases so
// either-shaped client can read the field it expects.
type ChatChunk struct {
	Text     string         `json:"text,omitempty"`
	Content  string         `json:"content,omitempty"`
	Type     string         `json:"type,omitempty"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PingInterval is how often the stream writes an SSE comment line to
// keep intermediary proxies from closing an idle connection, matching
// the teacher's keepalive ticker in AnswerWithRAGStream.
const PingInterval = 10 * time.Second

// HandlerOption configures a Handler at construction, mirroring the
// teacher's HandlerOption functional-options pattern.
type HandlerOption func(*Handler)

func WithAdminAPIKey(key string) HandlerOption {
	return func(h *Handler) { h.adminAPIKey = key }
}

// WithBreakerManager exposes the breaker registry's stats through the
// admin breaker-status endpoint. Without it, the endpoint reports an
// empty list rather than failing, so a Handler built for tests doesn't
// have to wire one up.
func WithBreakerManager(m *breaker.Manager) HandlerOption {
	return func(h *Handler) { h.breakerMgr = m }
}

// Handler wires the registry and pipeline into HTTP endpoints. It holds
// no adapter-specific knowledge: every request names its own
// adapter_name and is routed through the same pipeline.
type Handler struct {
	registry    *registry.Registry
	pipeline    *pipeline.Pipeline
	logger      *slog.Logger
	adminAPIKey string
	breakerMgr  *breaker.Manager
}

func NewHandler(reg *registry.Registry, p *pipeline.Pipeline, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{registry: reg, pipeline: p, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register binds every handler to an echo instance, equivalent to the
// teacher's openapi.RegisterHandlers plus its manual Backfill/MorningLetter
// routes.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/v1/chat", h.Chat)
	e.POST("/admin/reload-adapters", h.ReloadAdapters)
	e.GET("/admin/adapters/:name/health", h.AdapterHealth)
	e.GET("/admin/breaker-status", h.BreakerStatus)
	e.GET("/admin/breaker-status/:name", h.BreakerStatus)
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
}

// Chat implements the §6 chat(...) contract as one SSE stream: a single
// ChatChunk carrying the pipeline's formatted_context, followed by a
// done chunk, matching the teacher's writeSSE/Flusher/ticker shape.
func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("MalformedRequest", err.Error(), ""))
	}
	if req.AdapterName == "" || req.Message == "" {
		return c.JSON(http.StatusBadRequest, errorBody("MalformedRequest", "message and adapter_name are required", req.AdapterName))
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	pctx := &domain.ProcessingContext{
		RetrievalID: uuid.NewString(),
		SessionID:   req.SessionID,
		Query:       req.Message,
		FileIDs:     req.FileIDs,
		APIKey:      req.APIKey,
		AdapterName: req.AdapterName,
		BypassCache: req.BypassCache,
		Metadata:    req.Metadata,
		StartedAt:   time.Now(),
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, pctx) }()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return h.writeChatError(resp, err, req.AdapterName)
			}
			return writeSSE(resp, chunkFromContext(pctx))
		case <-ticker.C:
			fmt.Fprint(resp, ":\n\n")
			resp.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func chunkFromContext(pctx *domain.ProcessingContext) ChatChunk {
	meta := pctx.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["retrieval_id"] = pctx.RetrievalID
	meta["is_followup"] = pctx.IsFollowup
	return ChatChunk{
		Text:     pctx.FormattedContext,
		Content:  pctx.FormattedContext,
		Type:     "text",
		Done:     true,
		Metadata: meta,
	}
}

func (h *Handler) writeChatError(resp *echo.Response, err error, adapter string) error {
	h.logger.Error("chat_pipeline_failed", slog.String("adapter", adapter), slog.String("error", err.Error()))
	code, _ := statusFor(err)
	chunk := ChatChunk{Done: true, Type: "metadata", Metadata: map[string]any{
		"error":   code,
		"adapter": adapter,
	}}
	return writeSSE(resp, chunk)
}

// writeSSE frames one JSON event, matching the teacher's "event:"/"data:"
// line convention. *echo.Response satisfies both http.ResponseWriter and
// http.Flusher, so one handle covers writing and flushing.
func writeSSE(resp *echo.Response, chunk ChatChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: chunk\ndata: %s\n\n", payload); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// ReloadAdapters implements the §6 admin reload endpoint. It is
// idempotent: reloading with the same configs reports everything
// unchanged.
func (h *Handler) ReloadAdapters(c echo.Context) error {
	if !h.authorizeAdmin(c) {
		return c.JSON(http.StatusUnauthorized, errorBody("Unauthorized", "admin auth required", ""))
	}

	var body struct {
		Adapters map[string]domain.AdapterConfig `json:"adapters"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("ConfigurationError", err.Error(), ""))
	}

	result := h.registry.Reload(body.Adapters)
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"summary": map[string]any{
			"added":     result.Added,
			"removed":   result.Removed,
			"updated":   result.Updated,
			"unchanged": result.Unchanged,
			"failed":    errorsToStrings(result.Failed),
			"total":     len(result.Added) + len(result.Removed) + len(result.Updated) + len(result.Unchanged),
		},
		"timestamp": time.Now().UTC(),
	})
}

func errorsToStrings(failed map[string]error) map[string]string {
	out := make(map[string]string, len(failed))
	for k, v := range failed {
		out[k] = v.Error()
	}
	return out
}

// AdapterHealth reports one adapter's registration/instantiation state.
func (h *Handler) AdapterHealth(c echo.Context) error {
	name := c.Param("name")
	instance, err := h.registry.Get(name)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody("UnknownAdapter", err.Error(), name))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"name":         instance.Name(),
		"capabilities": instance.Capabilities(),
	})
}

// BreakerStatus reports circuit breaker state for the admin CLI's
// breaker-status command: one adapter's stats when :name is bound,
// every tracked adapter's stats otherwise.
func (h *Handler) BreakerStatus(c echo.Context) error {
	if !h.authorizeAdmin(c) {
		return c.JSON(http.StatusUnauthorized, errorBody("Unauthorized", "admin auth required", ""))
	}
	if h.breakerMgr == nil {
		return c.JSON(http.StatusOK, map[string]any{"breakers": []domain.CircuitBreakerStats{}})
	}

	if name := c.Param("name"); name != "" {
		return c.JSON(http.StatusOK, h.breakerMgr.Stats(name))
	}
	return c.JSON(http.StatusOK, map[string]any{"breakers": h.breakerMgr.AllStats()})
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) authorizeAdmin(c echo.Context) bool {
	if h.adminAPIKey == "" {
		return true
	}
	return c.Request().Header.Get("X-Admin-Key") == h.adminAPIKey
}

func errorBody(code, message, adapter string) map[string]any {
	body := map[string]any{"code": code, "message": message}
	if adapter != "" {
		body["adapter"] = adapter
	}
	return body
}

// statusFor maps the §7 error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	var orbitErr domain.OrbitError
	if errors.As(err, &orbitErr) {
		switch orbitErr.Code() {
		case "CircuitOpenError":
			return http.StatusServiceUnavailable, orbitErr.Code()
		case "DatasourceError":
			return http.StatusServiceUnavailable, orbitErr.Code()
		case "AdapterNotFoundError":
			return http.StatusNotFound, orbitErr.Code()
		case "ParameterExtractionError", "TemplateRenderError", "ConfigError":
			return http.StatusBadRequest, orbitErr.Code()
		default:
			return http.StatusInternalServerError, orbitErr.Code()
		}
	}
	return http.StatusInternalServerError, "InternalError"
}
