// ShotsData is the list response of the shots API.
package dto

type ShotsData struct {
	Shots     []ShotInfo `json:"shots"`
	ImagesDir string     `json:"imagesDir"`
	Length    int        `json:"length"` // total stored, not len(Shots)
	Limit     int        `json:"pageSize"`
}
