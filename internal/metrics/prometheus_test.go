package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestRegistry_Counters(t *testing.T) {
	r := New()

	r.RecordToolcall("lookup", "ok")
	r.RecordToolcall("lookup", "ok")
	r.RecordToolcall("record", "error")
	r.RecordTTSJob("completed_with_errors")
	r.AddTokens("gemini", "messages", 10, 0)

	if got := testutil.ToFloat64(r.toolcallOps.WithLabelValues("lookup", "ok")); got != 2 {
		t.Fatalf("lookup ok = %v", got)
	}
	if got := testutil.ToFloat64(r.ttsJobs.WithLabelValues("completed_with_errors")); got != 1 {
		t.Fatalf("tts jobs = %v", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("gemini", "messages", "input")); got != 10 {
		t.Fatalf("input tokens = %v", got)
	}
	if n := testutil.CollectAndCount(r.tokensTotal); n != 1 {
		t.Fatalf("zero output tokens must not create a series, got %d", n)
	}
}

func TestRegistry_CircuitBreakerTransitions(t *testing.T) {
	r := New()

	r.SetCircuitBreaker("gemini", 0)
	r.SetCircuitBreaker("gemini", 0)
	r.SetCircuitBreaker("gemini", 1)

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("gemini")); got != 1 {
		t.Fatalf("state = %v", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("gemini", "0")); got != 1 {
		t.Fatalf("transitions to closed = %v, want 1", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.ObserveHTTP("messages", 200, 10*time.Millisecond)
	r.ObserveTTSChunk("completed", time.Second)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(&ctx)

	body := string(ctx.Response.Body())
	for _, want := range []string{
		`bridge_build_info{version="test"} 1`,
		`bridge_http_requests_total{route="messages",status="200"} 1`,
		`bridge_tts_chunk_duration_seconds_count{status="completed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
