package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"buildforge/shared/auth"
	"buildforge/shared/model"
	"buildforge/shared/orchestrator"
	"buildforge/shared/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BuildService is the read and cancel surface the dashboard needs.
type BuildService interface {
	GetBuild(ctx context.Context, buildID string) (model.BuildRecord, error)
	GetEvents(ctx context.Context, buildID string) ([]model.Event, error)
	ReplayStatus(ctx context.Context, buildID string) (model.Status, error)
	Cancel(ctx context.Context, buildID string, opts ...orchestrator.CancelOption) (model.BuildRecord, error)
}

type StatusDashboardAPI struct {
	builds BuildService
	logger *slog.Logger
}

func NewStatusDashboardAPI(builds BuildService, logger *slog.Logger) *StatusDashboardAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusDashboardAPI{builds: builds, logger: logger}
}

type buildResponse struct {
	model.BuildRecord
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type replayResponse struct {
	BuildID    string       `json:"build_id"`
	Replayed   model.Status `json:"replayed_status"`
	Recorded   model.Status `json:"recorded_status"`
	Consistent bool         `json:"consistent"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *StatusDashboardAPI) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	build, err := api.builds.GetBuild(r.Context(), buildID)
	if err != nil {
		api.writeError(w, buildID, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuildResponse(build))
}

func (api *StatusDashboardAPI) GetEvents(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	events, err := api.builds.GetEvents(r.Context(), buildID)
	if err != nil {
		api.writeError(w, buildID, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Replay compares the status rebuilt from the event log with the stored one.
func (api *StatusDashboardAPI) Replay(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	build, err := api.builds.GetBuild(r.Context(), buildID)
	if err != nil {
		api.writeError(w, buildID, err)
		return
	}
	replayed, err := api.builds.ReplayStatus(r.Context(), buildID)
	if err != nil {
		api.writeError(w, buildID, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{
		BuildID:    buildID,
		Replayed:   replayed,
		Recorded:   build.Status,
		Consistent: replayed == build.Status,
	})
}

func (api *StatusDashboardAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	var opts []orchestrator.CancelOption
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		actor := claims.Email
		if actor == "" {
			actor = claims.Subject
		}
		opts = append(opts, orchestrator.CancelledBy(actor))
	}

	build, err := api.builds.Cancel(r.Context(), buildID, opts...)
	if errors.Is(err, orchestrator.ErrAlreadyTerminal) {
		writeJSON(w, http.StatusConflict, newBuildResponse(build))
		return
	}
	if err != nil {
		api.writeError(w, buildID, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuildResponse(build))
}

func (api *StatusDashboardAPI) writeError(w http.ResponseWriter, buildID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Build not found"})
	case errors.Is(err, orchestrator.ErrCancelContention), errors.Is(err, store.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		api.logger.Error("build request failed",
			"event", "dashboard_request_failed",
			"module", "status-dashboard-api",
			"layer", "http",
			"build_id", buildID,
			"error", err.Error(),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to retrieve build"})
	}
}

func newBuildResponse(build model.BuildRecord) buildResponse {
	return buildResponse{
		BuildRecord:     build,
		DurationSeconds: build.Duration().Seconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter wires the dashboard routes. Cancelling needs an operator token.
func NewRouter(api *StatusDashboardAPI, authenticator *auth.Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.HandleFunc("/api/builds/{buildId}", api.GetBuild).Methods(http.MethodGet)
	r.HandleFunc("/api/builds/{buildId}/events", api.GetEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/builds/{buildId}/replay", api.Replay).Methods(http.MethodGet)
	r.Handle("/api/builds/{buildId}/cancel",
		authenticator.RequireRole(auth.RoleOperator)(http.HandlerFunc(api.Cancel)),
	).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
