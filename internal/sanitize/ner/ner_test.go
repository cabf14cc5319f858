package ner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/resilience"
)

func sidecar(t *testing.T, fail *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		if fail != nil && fail.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req classifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Ada Lovelace joined Acme in Paris", req.Text)
		_ = json.NewEncoder(w).Encode(classifyResponse{Spans: []nerSpan{
			{Start: 0, End: 12, Label: "PER", Text: "Ada Lovelace"},
			{Start: 20, End: 24, Label: "ORG", Text: "Acme"},
			{Start: 28, End: 33, Label: "GPE", Text: "Paris"},
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastGuard(tries uint) *resilience.Guard {
	return resilience.NewGuard("ner", resilience.RetryConfig{MaxTries: tries, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
}

func TestDetect_FiltersAndMapsLabels(t *testing.T) {
	srv := sidecar(t, nil)

	tests := []struct {
		name     string
		entities []string
		want     map[string]string
	}{
		{"moderate", []string{"PER"}, map[string]string{"Ada Lovelace": "NAME"}},
		{"strong", []string{"PERSON", "PER", "ORG"}, map[string]string{"Ada Lovelace": "NAME", "Acme": "ORGANIZATION"}},
		{"gpe", []string{"gpe"}, map[string]string{"Paris": "LOCATION"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(srv.URL, tt.entities, time.Second, fastGuard(1))
			text := "Ada Lovelace joined Acme in Paris"
			spans, err := c.Detect(context.Background(), text)
			require.NoError(t, err)
			got := map[string]string{}
			for _, sp := range spans {
				got[text[sp.Start:sp.End]] = sp.Type
				assert.Equal(t, "ner", sp.Source)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetect_NoEntitiesSkipsCall(t *testing.T) {
	c := New("http://127.0.0.1:1", nil, time.Second, nil)
	spans, err := c.Detect(context.Background(), "Ada")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestDetect_RetriesTransientFailures(t *testing.T) {
	var fail atomic.Int32
	fail.Store(2)
	srv := sidecar(t, &fail)

	c := New(srv.URL, []string{"PER"}, time.Second, fastGuard(3))
	spans, err := c.Detect(context.Background(), "Ada Lovelace joined Acme in Paris")
	require.NoError(t, err)
	assert.Len(t, spans, 1)
}

func TestDetect_UnreachableIsExternalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, []string{"PER"}, time.Second, fastGuard(2))
	_, err := c.Detect(context.Background(), "Ada")
	require.Error(t, err)
	assert.ErrorIs(t, err, guarderr.ErrExternalService)
}

func TestMaskType(t *testing.T) {
	assert.Equal(t, "NAME", MaskType("person"))
	assert.Equal(t, "ORGANIZATION", MaskType("ORG"))
	assert.Equal(t, "LOCATION", MaskType("GPE"))
	assert.Equal(t, "MONEY", MaskType("money"))
}
