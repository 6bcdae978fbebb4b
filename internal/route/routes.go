package route

import (
	"net/http"

	"github.com/gorilla/mux"

	"pitrac/internal/handler"
	"pitrac/internal/logger"
	"pitrac/internal/results"
)

// SetupRoutes mounts the shots and log endpoints on r.
func SetupRoutes(r *mux.Router, shots results.ShotRepository, imagesDir, logDir string, logger *logger.Logger) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/shots", handler.GetShotsHandler(shots, imagesDir, logger)).Methods(http.MethodGet)
	api.HandleFunc("/shots/{id}", handler.GetShotHandler(shots, logger)).Methods(http.MethodGet)
	api.HandleFunc("/shots/{id}/image", handler.ViewShotImageHandler(shots, logger)).Methods(http.MethodGet)

	r.HandleFunc("/logs/{level}", handler.ShowLogsHandler(logDir)).Methods(http.MethodGet)
	r.HandleFunc("/logs/{level}/clear", handler.ClearLogsHandler(logger)).Methods(http.MethodPost)
}
