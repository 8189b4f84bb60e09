// Package gateway composes the session manager and response cache into the
// request dispatcher: ensure a valid session, check cache, fetch upstream
// on miss, populate cache, return the result.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/cache"
	"github.com/tradebridge/mt5-gateway/pkg/logging"
	"github.com/tradebridge/mt5-gateway/pkg/session"
	"github.com/tradebridge/mt5-gateway/pkg/transport"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Prometheus metrics for dispatch.
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_fetches_total",
		Help: "Total resource fetches by kind and source",
	}, []string{"kind", "source"}) // source: "cache", "upstream"

	authRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5_auth_retries_total",
		Help: "Total fetches retried after an auth-scoped upstream failure",
	})
)

// mutationInvalidates maps mutating passthrough endpoints to the resource
// kind whose cached entries they affect.
var mutationInvalidates = map[string]webapi.Kind{
	"user/add":    webapi.KindUser,
	"user/update": webapi.KindUser,
	"user/delete": webapi.KindUser,
}

// Result is a dispatched response, tagged with whether it came from cache.
type Result struct {
	Data   json.RawMessage
	Cached bool
}

// Gateway is the request dispatcher.
type Gateway struct {
	sessions *session.Manager
	cache    *cache.Tiered
	tc       *transport.Client
	logger   zerolog.Logger
}

// New creates a dispatcher over the given collaborators.
func New(sessions *session.Manager, responseCache *cache.Tiered, tc *transport.Client) (*Gateway, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if responseCache == nil {
		return nil, fmt.Errorf("response cache is required")
	}
	if tc == nil {
		return nil, fmt.Errorf("transport client is required")
	}
	return &Gateway{
		sessions: sessions,
		cache:    responseCache,
		tc:       tc,
		logger:   logging.NewLogger("gateway"),
	}, nil
}

// AcquireSession ensures an authenticated session exists and returns its
// snapshot. Exposed for the HTTP surface's health reporting.
func (g *Gateway) AcquireSession(ctx context.Context) (session.Session, error) {
	return g.sessions.Acquire(ctx)
}

// ForceRefreshSession discards the current session and performs a new
// handshake.
func (g *Gateway) ForceRefreshSession(ctx context.Context) (session.Session, error) {
	return g.sessions.ForceRefresh(ctx)
}

// FetchResource answers a read request for a resource kind: cache first,
// upstream on miss, with exactly one re-authenticate-and-retry if the
// upstream rejects the session mid-flight.
func (g *Gateway) FetchResource(ctx context.Context, kind webapi.Kind, params url.Values) (*Result, error) {
	if err := validateParams(kind, params); err != nil {
		return nil, err
	}

	key := cache.Key{Kind: kind, Params: params}
	if entry, err := g.cache.Get(ctx, key); err == nil {
		fetchesTotal.WithLabelValues(string(kind), "cache").Inc()
		return &Result{Data: entry.Data, Cached: true}, nil
	}

	body, err := g.callAuthenticated(ctx, kind.Endpoint(), params)
	if err != nil {
		return nil, err
	}

	if kind.Cacheable() {
		g.cache.Put(ctx, key, body)
	}
	fetchesTotal.WithLabelValues(string(kind), "upstream").Inc()
	return &Result{Data: body, Cached: false}, nil
}

// Execute proxies an arbitrary authenticated endpoint, bypassing the cache
// on the read path. Known mutating endpoints invalidate the cached entries
// they affect, on success only.
func (g *Gateway) Execute(ctx context.Context, endpoint string, params url.Values) (*Result, error) {
	if endpoint == "" {
		return nil, webapi.InvalidParameters("endpoint is required")
	}

	body, err := g.callAuthenticated(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	if kind, ok := mutationInvalidates[endpoint]; ok {
		g.invalidateAffected(ctx, kind, params)
	}

	return &Result{Data: body, Cached: false}, nil
}

// InvalidateCacheFor removes any cached entry for the given resource from
// both tiers.
func (g *Gateway) InvalidateCacheFor(ctx context.Context, kind webapi.Kind, params url.Values) {
	g.cache.Invalidate(ctx, cache.Key{Kind: kind, Params: params})
}

// invalidateAffected drops cache entries a mutation made stale.
func (g *Gateway) invalidateAffected(ctx context.Context, kind webapi.Kind, params url.Values) {
	login := params.Get("login")
	if login == "" {
		return
	}
	g.logger.Debug().Str("kind", string(kind)).Str("login", login).
		Msg("Invalidating cache after mutation")
	g.InvalidateCacheFor(ctx, kind, url.Values{"login": {login}})
	// A user mutation can also move its open positions.
	if kind == webapi.KindUser {
		g.InvalidateCacheFor(ctx, webapi.KindPosition, url.Values{"login": {login}})
	}
}

// callAuthenticated acquires a session and issues the upstream call. An
// auth-scoped failure invalidates the session and retries the
// acquire-and-fetch sequence exactly once; a second failure is surfaced.
// Handshake failures from Acquire are never retried here.
func (g *Gateway) callAuthenticated(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if _, err := g.sessions.Acquire(ctx); err != nil {
			return nil, err
		}

		reply, err := g.tc.Get(ctx, endpoint, params)
		if err == nil {
			if rc, ok := reply.Retcode(); ok && !rc.OK() {
				err = retcodeError(endpoint, rc)
			} else {
				return reply.Body, nil
			}
		}

		if attempt == 0 && isAuthScoped(err) {
			g.logger.Warn().Err(err).Str("endpoint", endpoint).
				Msg("Auth-scoped upstream failure, re-authenticating once")
			authRetriesTotal.Inc()
			g.sessions.Invalidate("auth_rejected")
			continue
		}
		return nil, err
	}
}

// retcodeError maps a non-OK retcode on an authenticated call to the error
// taxonomy: auth-scoped codes require a new handshake, everything else is
// an upstream rejection.
func retcodeError(endpoint string, rc webapi.Retcode) error {
	kind := webapi.ErrorKindUpstreamUnavailable
	if rc.AuthScoped() {
		kind = webapi.ErrorKindAuthRejected
	}
	return &webapi.Error{
		Kind:     kind,
		Resource: endpoint,
		Retcode:  rc,
		Message:  "upstream rejected request",
	}
}

func isAuthScoped(err error) bool {
	var ge *webapi.Error
	return errors.As(err, &ge) && ge.AuthScoped()
}

// validateParams enforces per-kind parameter rules before any I/O.
func validateParams(kind webapi.Kind, params url.Values) error {
	switch kind {
	case webapi.KindUser:
		if params.Get("login") == "" {
			return webapi.InvalidParameters("user lookup requires login")
		}
	case webapi.KindPosition:
		// Exactly one selector may be supplied.
		selectors := 0
		for _, name := range []string{"login", "group", "ticket"} {
			if params.Get(name) != "" {
				selectors++
			}
		}
		if selectors != 1 {
			return webapi.InvalidParameters(
				"position lookup requires exactly one of login, group, ticket")
		}
	}
	return nil
}
