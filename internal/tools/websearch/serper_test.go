package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerperCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sodium batteries", body["q"])
		_, _ = w.Write([]byte(`{"organic":[
			{"title":"Na-ion review","link":"https://a.example","snippet":"cheap cathodes"},
			{"title":"Second","link":"https://b.example","snippet":"more"},
			{"title":"Third","link":"https://c.example","snippet":"extra"}]}`))
	}))
	defer srv.Close()

	s := &Serper{APIKey: "secret", Endpoint: srv.URL, Num: 2}
	out, err := s.Call(context.Background(), "sodium batteries")
	require.NoError(t, err)
	assert.Contains(t, out, "1. Na-ion review")
	assert.Contains(t, out, "https://b.example")
	assert.NotContains(t, out, "Third")
}

func TestSerperErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := &Serper{APIKey: "k", Endpoint: srv.URL}
	_, err := s.Call(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = s.Call(context.Background(), "  ")
	assert.True(t, errors.Is(err, tools.ErrInvalidQuery))
}

func TestDedupeStripsMarkupAndDuplicates(t *testing.T) {
	hits := []Result{
		{Title: "<b>Vanadium</b> flow", URL: "https://example.com/v?utm_source=x", Snippet: "cost <em>per kWh</em>"},
		{Title: "Same page", URL: "https://EXAMPLE.com/v#top"},
		{Title: "Other", URL: "https://example.org/"},
		{Title: "Over cap", URL: "https://example.net/"},
	}
	out := dedupe(hits, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "Vanadium flow", out[0].Title)
	assert.Equal(t, "cost per kWh", out[0].Snippet)
	assert.Equal(t, "Other", out[1].Title)
}
