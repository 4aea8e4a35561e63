package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"farmd/internal/scheduler"
	logx "farmd/pkg/logx"
)

func run(t *testing.T, handler http.HandlerFunc) scheduler.Outcome {
	t.Helper()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	r := New(5*time.Second, logx.Nop())
	return r.Run(context.Background(), "acct-1", srv.URL, nil, nil)
}

func TestHealthySiteIsSuccess(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, scheduler.OutcomeSuccess, out.Kind)
	assert.GreaterOrEqual(t, out.LatencyMS, float64(0))
}

func TestRateLimitDefersWithRetryAfter(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	assert.Equal(t, scheduler.OutcomeDeferred, out.Kind)
	assert.Equal(t, 2*time.Minute, out.WaitHint)
}

func TestForbiddenIsNonTransient(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	assert.Equal(t, scheduler.OutcomeNonTransient, out.Kind)
	assert.Contains(t, out.Reason, "denied")
}

func TestServerErrorIsTransient(t *testing.T) {
	out := run(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.Equal(t, scheduler.OutcomeTransient, out.Kind)
}

func TestUnreachableSiteIsTransient(t *testing.T) {
	r := New(500*time.Millisecond, logx.Nop())
	out := r.Run(context.Background(), "acct-1", "http://127.0.0.1:1", nil, nil)
	assert.Equal(t, scheduler.OutcomeTransient, out.Kind)
	assert.NotEmpty(t, out.Reason)
}
