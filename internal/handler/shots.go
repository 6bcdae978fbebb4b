package handler

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"pitrac/internal/dto"
	"pitrac/internal/logger"
	"pitrac/internal/results"
)

const defaultShotsLimit = 24

// GetShotsHandler returns the most recent shots with their detections.
func GetShotsHandler(shots results.ShotRepository, imagesDir string, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := atoiDefault(r.URL.Query().Get("limit"), defaultShotsLimit)

		list, err := shots.List(limit)
		if err != nil {
			logger.Error("Error querying shots from database: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		totalCount, err := shots.Count()
		if err != nil {
			logger.Error("Error counting shots: %v", err)
			totalCount = len(list)
		}

		data := dto.ShotsData{
			Shots:     make([]dto.ShotInfo, 0, len(list)),
			ImagesDir: imagesDir,
			Length:    totalCount,
			Limit:     limit,
		}
		for i := range list {
			data.Shots = append(data.Shots, shotInfo(shots, &list[i], logger))
		}

		writeJSON(w, data, logger)
	}
}

// GetShotHandler returns the shot named by the {id} route variable.
func GetShotHandler(shots results.ShotRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shot, ok := lookupShot(w, r, shots, logger)
		if !ok {
			return
		}
		writeJSON(w, shotInfo(shots, shot, logger), logger)
	}
}

// ViewShotImageHandler serves the annotated image archived for a shot.
func ViewShotImageHandler(shots results.ShotRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shot, ok := lookupShot(w, r, shots, logger)
		if !ok {
			return
		}
		if shot.ImagePath == "" {
			http.Error(w, "Shot has no image", http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, shot.ImagePath)
	}
}

func lookupShot(w http.ResponseWriter, r *http.Request, shots results.ShotRepository, logger *logger.Logger) (*results.Shot, bool) {
	id := mux.Vars(r)["id"]
	shot, err := shots.GetByID(id)
	if err != nil {
		logger.Error("Error loading shot %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	if shot == nil {
		http.Error(w, "Shot not found", http.StatusNotFound)
		return nil, false
	}
	return shot, true
}

func shotInfo(shots results.ShotRepository, shot *results.Shot, logger *logger.Logger) dto.ShotInfo {
	info := dto.ShotInfo{
		ID:         shot.ID,
		SystemID:   shot.SystemID,
		ResultType: shot.ResultType.String(),
		ReceivedAt: shot.ReceivedAt,
		Detections: []dto.DetectionInfo{},
	}
	if shot.ImagePath != "" {
		info.Image = filepath.Base(shot.ImagePath)
	}

	records, err := shots.DetectionsFor(shot.ID)
	if err != nil {
		logger.Error("Error getting detections for shot %s: %v", shot.ID, err)
		return info
	}
	for _, d := range records {
		info.Detections = append(info.Detections, dto.DetectionInfo{
			Label:      d.Label,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
		})
	}
	return info
}

func writeJSON(w http.ResponseWriter, v any, logger *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// atoiDefault converts s or returns def when it is not a positive integer.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}
