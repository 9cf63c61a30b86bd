package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/healthcheck"
	"github.com/nholik/cutover/internal/router"
	"github.com/rs/zerolog"
)

const maxRequestBytes = 8 << 20

// Router routes one request.
type Router interface {
	RouteDecision(ctx context.Context, req backend.Request) (backend.Response, router.Decision, error)
}

// StatusFunc renders the controller status.
type StatusFunc func(ctx context.Context) (any, error)

// ProcessResult is the body of a POST /v1/process response.
type ProcessResult struct {
	RequestID string           `json:"request_id"`
	Backend   string           `json:"backend"`
	Shadowed  bool             `json:"shadowed,omitempty"`
	Rule      string           `json:"rule,omitempty"`
	Version   uint64           `json:"flag_version"`
	Response  backend.Response `json:"response"`
}

type errorBody struct {
	Error string `json:"error"`
}

// API returns the listener serving the routing front door.
func API(logger zerolog.Logger, addr string, rt Router, status StatusFunc) Listener {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/process", processHandler(logger, rt))
	mux.HandleFunc("GET /v1/status", statusHandler(status))
	return Listener{Label: "api", Addr: addr, Handler: mux}
}

func processHandler(logger zerolog.Logger, rt Router) http.HandlerFunc {
	logger = logger.With().Str("component", "api").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		var req backend.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err := dec.Decode(&req); err != nil {
			healthcheck.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request: " + err.Error()})
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		resp, decision, err := rt.RouteDecision(r.Context(), req)
		if err != nil {
			logger.Warn().Err(err).Str("request_id", req.ID).Str("backend", decision.Backend).Msg("backend call failed")
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			healthcheck.WriteJSON(w, status, errorBody{Error: err.Error()})
			return
		}

		healthcheck.WriteJSON(w, http.StatusOK, ProcessResult{
			RequestID: req.ID,
			Backend:   decision.Backend,
			Shadowed:  decision.Shadow,
			Rule:      decision.Rule,
			Version:   decision.Version,
			Response:  resp,
		})
	}
}

func statusHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := status(r.Context())
		if err != nil {
			healthcheck.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		healthcheck.WriteJSON(w, http.StatusOK, body)
	}
}
