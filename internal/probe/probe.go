// Package probe is the built-in action collaborator: an HTTP liveness check
// against the job's site, routed through the cycle's assigned endpoint.
// Real site automations replace it by passing their own scheduler.Runner to
// the app; the probe keeps a bare deployment observable end to end.
package probe

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"farmd/internal/fallback"
	"farmd/internal/proxy"
	"farmd/internal/scheduler"
	logx "farmd/pkg/logx"
)

type Runner struct {
	timeout time.Duration
	log     logx.Logger

	// newClient builds a client per assignment; tests stub it.
	newClient func(asg *proxy.Assignment) *http.Client
}

func New(timeout time.Duration, log logx.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{timeout: timeout, log: log}
	r.newClient = r.client
	return r
}

func (r *Runner) client(asg *proxy.Assignment) *http.Client {
	transport := &http.Transport{}
	if asg != nil && asg.Endpoint != nil {
		proxyURL := &url.URL{Scheme: "http", Host: asg.Endpoint.Address}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: r.timeout, Transport: transport}
}

func (r *Runner) Run(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) scheduler.Outcome {
	_ = solver // the probe never needs paid solving

	target := site
	if u, err := url.Parse(site); err != nil || u.Scheme == "" {
		target = "https://" + site
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return scheduler.Outcome{Kind: scheduler.OutcomeNonTransient, Reason: "bad site url: " + err.Error()}
	}

	start := time.Now()
	resp, err := r.newClient(asg).Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return scheduler.Outcome{
			Kind:      scheduler.OutcomeTransient,
			Reason:    err.Error(),
			LatencyMS: latency,
		}
	}
	defer resp.Body.Close()

	return classify(resp, latency)
}

func classify(resp *http.Response, latency float64) scheduler.Outcome {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return scheduler.Outcome{
			Kind:      scheduler.OutcomeDeferred,
			WaitHint:  retryAfter(resp),
			Reason:    "rate limited",
			LatencyMS: latency,
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return scheduler.Outcome{
			Kind:      scheduler.OutcomeNonTransient,
			Reason:    "denied: " + resp.Status,
			LatencyMS: latency,
		}
	case resp.StatusCode >= 500:
		return scheduler.Outcome{
			Kind:      scheduler.OutcomeTransient,
			Reason:    "server error: " + resp.Status,
			LatencyMS: latency,
		}
	default:
		return scheduler.Outcome{Kind: scheduler.OutcomeSuccess, LatencyMS: latency}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
