// Package results models shot results exchanged between camera processes and
// the records kept of them.
package results

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"pitrac/internal/detector"
	"pitrac/internal/ipc"
)

const (
	DetectionCountKey  = "detection_count"
	detectionKeyPrefix = "detection_"
)

var ErrMalformedResult = errors.New("malformed result entry")

// Shot is one Results message as received or produced by this process.
type Shot struct {
	ID         string
	SystemID   string
	ResultType ipc.ResultType
	ReceivedAt time.Time
	Data       map[string]string
	ImagePath  string
}

// DetectionRecord is a detection stored against a shot.
type DetectionRecord struct {
	ID         int64
	ShotID     string
	ClassID    int
	Label      string
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Confidence float64
}

// ShotRepository stores shots and their detections.
type ShotRepository interface {
	Insert(shot *Shot) error
	InsertDetections(shotID string, records []DetectionRecord) error
	SetImagePath(shotID, path string) error

	GetByID(id string) (*Shot, error)
	List(limit int) ([]Shot, error)
	Count() (int, error)
	DetectionsFor(shotID string) ([]DetectionRecord, error)

	Close() error
}

// NewShot stamps a fresh id and the receive time onto a result map.
func NewShot(systemID string, data map[string]string) *Shot {
	return &Shot{
		ID:         xid.New().String(),
		SystemID:   systemID,
		ResultType: ipc.ParseResultType(data[ipc.ResultTypeKey]),
		ReceivedAt: time.Now(),
		Data:       data,
	}
}

// FromDetections encodes detections into a result map. Each detection is
// stored as "class,confidence,x,y,width,height" under detection_<i>.
func FromDetections(resultType ipc.ResultType, dets []detector.Detection) map[string]string {
	data := map[string]string{
		ipc.ResultTypeKey: resultType.String(),
		DetectionCountKey: strconv.Itoa(len(dets)),
	}
	for i, d := range dets {
		data[detectionKeyPrefix+strconv.Itoa(i)] = strings.Join([]string{
			strconv.Itoa(d.ClassID),
			formatFloat(d.Confidence),
			formatFloat(d.Box.X),
			formatFloat(d.Box.Y),
			formatFloat(d.Box.Width),
			formatFloat(d.Box.Height),
		}, ",")
	}
	return data
}

// ToDetections is the inverse of FromDetections. A map without a detection
// count holds no detections.
func ToDetections(data map[string]string) ([]detector.Detection, error) {
	raw, ok := data[DetectionCountKey]
	if !ok {
		return nil, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: %s=%q", ErrMalformedResult, DetectionCountKey, raw)
	}

	dets := make([]detector.Detection, 0, count)
	for i := 0; i < count; i++ {
		key := detectionKeyPrefix + strconv.Itoa(i)
		d, err := parseDetection(data[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		dets = append(dets, d)
	}
	return dets, nil
}

func parseDetection(s string) (detector.Detection, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return detector.Detection{}, fmt.Errorf("%w: %q", ErrMalformedResult, s)
	}

	classID, err := strconv.Atoi(parts[0])
	if err != nil {
		return detector.Detection{}, fmt.Errorf("%w: class %q", ErrMalformedResult, parts[0])
	}
	var v [5]float32
	for i := range v {
		f, err := strconv.ParseFloat(parts[i+1], 32)
		if err != nil {
			return detector.Detection{}, fmt.Errorf("%w: %q", ErrMalformedResult, parts[i+1])
		}
		v[i] = float32(f)
	}

	return detector.Detection{
		Box:        detector.Box{X: v[1], Y: v[2], Width: v[3], Height: v[4]},
		Confidence: v[0],
		ClassID:    classID,
	}, nil
}

// Records converts detections into rows for shotID.
func Records(shotID string, dets []detector.Detection) []DetectionRecord {
	records := make([]DetectionRecord, len(dets))
	for i, d := range dets {
		records[i] = DetectionRecord{
			ShotID:     shotID,
			ClassID:    d.ClassID,
			Label:      detector.ClassLabel(d.ClassID),
			X:          float64(d.Box.X),
			Y:          float64(d.Box.Y),
			Width:      float64(d.Box.Width),
			Height:     float64(d.Box.Height),
			Confidence: float64(d.Confidence),
		}
	}
	return records
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
