package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/gateway"
	"github.com/tradebridge/mt5-gateway/pkg/session"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// apiResponse is the envelope returned by every /api endpoint.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Cached  bool            `json:"cached"`
}

// executeRequest is the body of POST /api/execute.
type executeRequest struct {
	Endpoint string         `json:"endpoint"`
	Params   map[string]any `json:"params"`
}

func newRouter(gw *gateway.Gateway, sessions *session.Manager, redisClient *redis.Client, apiKey string, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", rootHandler)
	mux.HandleFunc("GET /health", healthHandler(sessions, redisClient))
	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/auth", forceAuthHandler(gw))
	protected.HandleFunc("GET /api/user/{login}", userHandler(gw))
	protected.HandleFunc("GET /api/positions", positionsHandler(gw))
	protected.HandleFunc("POST /api/execute", executeHandler(gw))
	mux.Handle("/api/", requireAPIKey(apiKey, logger, protected))

	return mux
}

// requireAPIKey checks the X-API-Key header. An empty configured key
// disables the check (development mode).
func requireAPIKey(apiKey string, logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
			logger.Warn().Str("path", r.URL.Path).Msg("Rejected request with invalid API key")
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "mt5-gateway",
		"status":  "running",
	})
}

func healthHandler(sessions *session.Manager, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		checks := map[string]string{"api": "ok"}

		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "error"
				status = "degraded"
			} else {
				checks["redis"] = "ok"
			}
		} else {
			checks["redis"] = "disabled"
		}

		if sessions.Current().Valid() {
			checks["mt5_auth"] = "ok"
		} else {
			checks["mt5_auth"] = "expired"
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

func forceAuthHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := gw.ForceRefreshSession(r.Context()); err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "authentication successful",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func userHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := url.Values{"login": {r.PathValue("login")}}
		res, err := gw.FetchResource(r.Context(), webapi.KindUser, params)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func positionsHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := url.Values{}
		for _, name := range []string{"login", "group", "ticket"} {
			if v := r.URL.Query().Get(name); v != "" {
				params.Set(name, v)
			}
		}
		res, err := gw.FetchResource(r.Context(), webapi.KindPosition, params)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func executeHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		params := url.Values{}
		for name, value := range req.Params {
			params.Set(name, fmt.Sprint(value))
		}

		res, err := gw.Execute(r.Context(), req.Endpoint, params)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func writeResult(w http.ResponseWriter, res *gateway.Result) {
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    res.Data,
		Cached:  res.Cached,
	})
}

// writeGatewayError maps the core error taxonomy to transport status codes.
func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch webapi.KindOf(err) {
	case webapi.ErrorKindInvalidParameters:
		status = http.StatusBadRequest
	case webapi.ErrorKindAuthRejected, webapi.ErrorKindProtocolViolation:
		status = http.StatusBadGateway
	case webapi.ErrorKindUpstreamUnavailable:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
