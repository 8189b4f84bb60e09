// Package transport provides the minimal HTTP client used for all MT5
// WebAPI calls. It owns the cookie jar the server uses to track the
// authenticated session, so one Client instance is shared process-wide.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/logging"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Prometheus metrics for upstream calls.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_upstream_requests_total",
		Help: "Total MT5 WebAPI requests by endpoint and HTTP status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5_upstream_request_duration_seconds",
		Help:    "MT5 WebAPI request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})
)

// Options configures a Client.
type Options struct {
	// Timeout bounds every upstream call. A timeout surfaces as
	// UpstreamUnavailable, identical to any other transport failure.
	Timeout time.Duration

	// InsecureTLS skips certificate verification for self-signed
	// MT5 deployments.
	InsecureTLS bool
}

// Client issues GET requests against the MT5 WebAPI and returns parsed
// replies. It is stateless apart from the session cookie jar.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// New creates a transport client for the given base URL.
func New(baseURL string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: httpTransport,
		},
		baseURL: baseURL,
		logger:  logging.NewLogger("transport"),
	}, nil
}

// Reply is a parsed upstream response. Field accessors return ok=false when
// the body is not a JSON object or the field is absent.
type Reply struct {
	// Body is the raw response body.
	Body []byte

	fields map[string]json.RawMessage
}

// String returns the named top-level field decoded as a JSON string.
func (r *Reply) String(key string) (string, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Retcode returns the MT5 result code, if the reply carries one.
func (r *Reply) Retcode() (webapi.Retcode, bool) {
	raw, ok := r.fields["retcode"]
	if !ok {
		return "", false
	}
	var rc webapi.Retcode
	if err := json.Unmarshal(raw, &rc); err != nil {
		return "", false
	}
	return rc, true
}

// Get issues a GET to /api/<endpoint> with the given query parameters.
// Transport failures and timeouts surface as UpstreamUnavailable; HTTP
// 401/403 surface as auth-scoped errors so the dispatcher can force a
// re-authentication.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*Reply, error) {
	endpoint = strings.TrimLeft(endpoint, "/")
	reqURL := c.baseURL + "/api/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Upstream request failed")
		return nil, webapi.UpstreamUnavailable(endpoint, err)
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, webapi.UpstreamUnavailable(endpoint, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
			Msg("Upstream rejected authenticated call")
		return nil, &webapi.Error{
			Kind:     webapi.ErrorKindAuthRejected,
			Resource: endpoint,
			Message:  fmt.Sprintf("http status %d", resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &webapi.Error{
			Kind:     webapi.ErrorKindUpstreamUnavailable,
			Resource: endpoint,
			Message:  fmt.Sprintf("http status %d", resp.StatusCode),
		}
	}

	reply := &Reply{Body: body}
	// Non-object bodies are legal for passthrough endpoints; field accessors
	// just report absent.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		reply.fields = fields
	}

	c.logger.Debug().Str("endpoint", endpoint).Int("status", resp.StatusCode).
		Int("bytes", len(body)).Msg("Upstream request complete")

	return reply, nil
}
