package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BlockStarted()
	m.BlockFinished("completed", 3)
	m.ToolCall("web_search", false, time.Second)
	m.ToolFallback("rag_hybrid", "rag_naive")
	m.TopicProposal("accepted")
	assert.Nil(t, m.Registry())
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.BlockStarted()
	m.BlockFinished("failed", 2)
	m.ToolCall("rag_naive", true, 150*time.Millisecond)
	m.ToolFallback("rag_hybrid", "rag_naive")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `researcher_blocks_finished_total{status="failed"} 1`)
	assert.Contains(t, body, `researcher_tool_calls_total{outcome="failed",tool="rag_naive"} 1`)
	assert.Contains(t, body, `researcher_tool_fallbacks_total{from="rag_hybrid",to="rag_naive"} 1`)
	assert.True(t, strings.Contains(body, "researcher_blocks_in_flight 0"))
}

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tel, tracer, err := Setup(context.Background(), Options{Enabled: true, ServiceName: "researcher-test", Writer: &buf})
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "claim")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"claim"`)
}

func TestSetupDisabled(t *testing.T) {
	tel, tracer, err := Setup(context.Background(), Options{})
	require.NoError(t, err)
	assert.NotNil(t, tracer)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
