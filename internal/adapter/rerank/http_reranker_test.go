package rerank_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orbit/internal/adapter/rerank"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestHTTPReranker_MapsResultsBackToCandidateIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "score": 0.95},
				{"index": 0, "score": 0.45},
			},
		})
	}))
	defer server.Close()

	r := rerank.NewHTTPReranker(server.URL, time.Second, discardLogger())
	results, err := r.Rerank(context.Background(), "show me employees", []rerank.Candidate{
		{ID: "tmpl-a", Text: "a"},
		{ID: "tmpl-b", Text: "b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "tmpl-b", results[0].ID)
	assert.Equal(t, 0.95, results[0].Score)
	assert.Equal(t, "tmpl-a", results[1].ID)
}

func TestHTTPReranker_NonOKStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	r := rerank.NewHTTPReranker(server.URL, time.Second, discardLogger())
	_, err := r.Rerank(context.Background(), "q", []rerank.Candidate{{ID: "a", Text: "a"}})
	require.Error(t, err)
}

func TestHTTPReranker_OutOfRangeIndexIsSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 5, "score": 0.9}},
		})
	}))
	defer server.Close()

	r := rerank.NewHTTPReranker(server.URL, time.Second, discardLogger())
	results, err := r.Rerank(context.Background(), "q", []rerank.Candidate{{ID: "a", Text: "a"}})
	require.NoError(t, err)
	assert.Empty(t, results)
}
