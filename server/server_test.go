package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/engine/lexicon"
	"github.com/dhcgn/mbox-mood/engine/remote"
	"github.com/dhcgn/mbox-mood/rewrite"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	a, err := lexicon.New(engine.Options{Sensitivity: engine.DefaultSensitivity}, nil)
	require.NoError(t, err)
	s := New(a, rewrite.New(a), nil)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t).Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, "process-and-forget", body.Privacy)
	assert.Equal(t, "2024-01-02T03:04:05Z", body.Timestamp)
}

func TestAnalyze(t *testing.T) {
	rec := do(t, newTestServer(t).Handler(), http.MethodPost, "/analyze", `{"text":"This is URGENT. I need this now, respond ASAP!","mode":"incoming"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "urgent_tense", body.ToneLabel)
	assert.Greater(t, body.Confidence, 0.0)
	assert.NotEmpty(t, body.Emotions)
}

func TestAnalyzeValidation(t *testing.T) {
	h := newTestServer(t).Handler()
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantError string
	}{
		{"empty text", `{"text":""}`, http.StatusBadRequest, "text is required"},
		{"blank text", `{"text":"   "}`, http.StatusBadRequest, "text is required"},
		{"bad mode", `{"text":"hi","mode":"sideways"}`, http.StatusBadRequest, "invalid_request"},
		{"bad json", `{"text":`, http.StatusBadRequest, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/analyze", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestAnalyzeBodyLimit(t *testing.T) {
	big := `{"text":"` + strings.Repeat("a", MaxBodyBytes+1) + `"}`
	rec := do(t, newTestServer(t).Handler(), http.MethodPost, "/analyze", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRewrite(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := do(t, h, http.MethodPost, "/rewrite", `{"text":"I need this now, you must fix it ASAP.","targetTone":"calm_professional"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body rewrite.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, strings.ToLower(body.Rewritten), "as soon as possible")

	rec = do(t, h, http.MethodPost, "/rewrite", `{"text":"hello","targetTone":"furious"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Hello", body.Rewritten)
	assert.Equal(t, "Applied minimal edits to improve readability.", body.Strategy)

	rec = do(t, h, http.MethodPost, "/rewrite", `{"text":"  ","targetTone":"furious"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// The remote engine and the server speak the same protocol.
func TestRemoteClientAgainstServer(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	client, err := remote.New(remote.Config{BaseURL: ts.URL, Sensitivity: engine.DefaultSensitivity})
	require.NoError(t, err)
	require.NoError(t, client.Health(t.Context()))

	res, err := client.Analyze(t.Context(), "This is URGENT. I need this now, respond ASAP!")
	require.NoError(t, err)
	assert.Equal(t, "urgent_tense", res.Tone)
	assert.Equal(t, "urgency", res.TopEmotion)
	assert.True(t, res.Alert)

	// Same answer as the local engine.
	local, err := lexicon.New(engine.Options{Sensitivity: engine.DefaultSensitivity}, nil)
	require.NoError(t, err)
	want, err := local.Analyze(t.Context(), "This is URGENT. I need this now, respond ASAP!")
	require.NoError(t, err)
	assert.Equal(t, want.Score, res.Score)
}
