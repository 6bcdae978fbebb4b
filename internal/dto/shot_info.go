package dto

import (
	"encoding/json"
	"time"
)

// ShotInfo is one stored result as returned by the shots API.
type ShotInfo struct {
	ID         string          `json:"id"`
	SystemID   string          `json:"systemId"`
	ResultType string          `json:"resultType"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Image      string          `json:"image,omitempty"` // file name inside ImagesDir
	Detections []DetectionInfo `json:"detections"`
}

// MarshalJSON adds the date and time of day the gallery pages display.
func (s ShotInfo) MarshalJSON() ([]byte, error) {
	type Alias ShotInfo
	return json.Marshal(&struct {
		Date      string `json:"date"`
		TimeOfDay string `json:"timeOfDay"`
		Alias
	}{
		Date:      s.ReceivedAt.Local().Format("02-01-2006"),
		TimeOfDay: s.ReceivedAt.Local().Format("15:04:05"),
		Alias:     (Alias)(s),
	})
}
