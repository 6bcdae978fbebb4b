package dto

type DetectionInfo struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"classId"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}
