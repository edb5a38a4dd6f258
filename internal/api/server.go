package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter wires the gateway routes. The literal meshes.zip route is
// registered before the artifact name route so the bundle keeps its reserved
// name. Browser frontends poll and download directly, so the router is
// wrapped in a permissive CORS layer.
func NewRouter(h *JobHandler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.DeleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/outputs/meshes.zip", h.DownloadBundle).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/outputs/{name}", h.DownloadArtifact).Methods(http.MethodGet)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
}

// StartServer runs the gateway on the given port. Submission and polling are
// short requests; only artifact downloads stream for longer, hence no write
// timeout.
func StartServer(ctx context.Context, port int, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	return srv
}
