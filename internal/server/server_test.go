package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/breaker"
	"orbit/internal/domain"
	"orbit/internal/pipeline"
	"orbit/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAdapter struct {
	name string
	caps domain.AdapterCapabilities
}

func (s *stubAdapter) Name() string                             { return s.name }
func (s *stubAdapter) Initialize(context.Context) error          { return nil }
func (s *stubAdapter) Capabilities() domain.AdapterCapabilities  { return s.caps }

type fillStep struct{ text string }

func (f fillStep) Name() string                                      { return "fill" }
func (f fillStep) ShouldExecute(*domain.ProcessingContext) bool      { return true }
func (f fillStep) Process(_ context.Context, pctx *domain.ProcessingContext) error {
	pctx.FormattedContext = f.text
	return nil
}

type errStep struct{ err error }

func (e errStep) Name() string                                 { return "err" }
func (e errStep) ShouldExecute(*domain.ProcessingContext) bool { return true }
func (e errStep) Process(context.Context, *domain.ProcessingContext) error {
	return e.err
}

func newTestRegistry(t *testing.T) *registry.Registry {
	reg := registry.New(discardLogger())
	require.NoError(t, reg.Register(registry.Registration{
		Type: "retriever", Datasource: "weather", Name: "weather-qa",
		Implementation: &stubAdapter{name: "weather-qa", caps: domain.AdapterCapabilities{RetrievalTrigger: domain.TriggerAlways}},
		DefaultConfig:  domain.AdapterConfig{Name: "weather-qa"},
	}))
	_, err := reg.Create(context.Background(), "retriever", "weather", "weather-qa", domain.AdapterConfig{})
	require.NoError(t, err)
	return reg
}

func TestHealthzReadyz(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Healthz(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	require.NoError(t, h.Readyz(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdapterHealth_KnownAndUnknown(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/adapters/weather-qa/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues("weather-qa")
	require.NoError(t, h.AdapterHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/adapters/missing/health", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues("missing")
	require.NoError(t, h.AdapterHealth(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadAdapters_RequiresAdminKeyWhenConfigured(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger(), WithAdminAPIKey("secret"))

	body := strings.NewReader(`{"adapters":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/reload-adapters", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ReloadAdapters(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/reload-adapters", strings.NewReader(`{"adapters":{}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Admin-Key", "secret")
	rec = httptest.NewRecorder()
	require.NoError(t, h.ReloadAdapters(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChat_StreamsFormattedContext(t *testing.T) {
	e := echo.New()
	p := pipeline.New(discardLogger(), fillStep{text: "the answer"})
	h := NewHandler(newTestRegistry(t), p, discardLogger())

	body := strings.NewReader(`{"message":"how hot is it","adapter_name":"weather-qa"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, h.Chat(e.NewContext(req, rec)))
	assert.Contains(t, rec.Body.String(), "the answer")
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	line := extractDataLine(t, rec.Body.String())
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal([]byte(line), &chunk))
	assert.True(t, chunk.Done)
	assert.Equal(t, "the answer", chunk.Content)
}

func TestChat_PipelineErrorEmitsErrorChunk(t *testing.T) {
	e := echo.New()
	p := pipeline.New(discardLogger(), errStep{err: domain.NewCircuitOpenError("weather-qa", 0)})
	h := NewHandler(newTestRegistry(t), p, discardLogger())

	body := strings.NewReader(`{"message":"q","adapter_name":"weather-qa"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, h.Chat(e.NewContext(req, rec)))

	line := extractDataLine(t, rec.Body.String())
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal([]byte(line), &chunk))
	assert.True(t, chunk.Done)
	assert.Equal(t, "CircuitOpenError", chunk.Metadata["error"])
}

func TestChat_RejectsMissingFields(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"q"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Chat(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerStatus_ReportsTrackedAdapterAndEmptyWithoutManager(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/breaker-status", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.BreakerStatus(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"breakers":[]`)

	mgr := breaker.NewManager(breaker.DefaultConfig(), discardLogger())
	mgr.RecordSuccess("weather-qa", 0)
	h2 := NewHandler(newTestRegistry(t), pipeline.New(discardLogger()), discardLogger(), WithBreakerManager(mgr))

	req = httptest.NewRequest(http.MethodGet, "/admin/breaker-status/weather-qa", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues("weather-qa")
	require.NoError(t, h2.BreakerStatus(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats domain.CircuitBreakerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "weather-qa", stats.AdapterName)
	assert.Equal(t, domain.BreakerClosed, stats.State)
}

func extractDataLine(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatal("no data line found in SSE body")
	return ""
}
