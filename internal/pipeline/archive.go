package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pitrac/internal/detector"
	"pitrac/internal/logger"
	"pitrac/internal/results"
)

const (
	// DefaultImageBufferLimit limits how many images per source are buffered before flushing.
	DefaultImageBufferLimit = 10
	// DefaultFlushInterval defines how often buffered images are flushed to disk.
	DefaultFlushInterval = 30 * time.Second

	timestampLayout = "2006-01-02_15-04-05.000"
)

type bufferedImage struct {
	Timestamp time.Time
	Source    string
	ShotID    string
	Labels    []string
	Data      []byte
}

// Archive buffers annotated images in memory and periodically writes them to
// disk, recording each file against its shot.
type Archive struct {
	imagesDir   string
	limit       int
	interval    time.Duration
	images      []bufferedImage
	bufferCount map[string]int
	mu          sync.Mutex
	logger      *logger.Logger
	shots       results.ShotRepository
}

func NewArchive(imagesDir string, limit int, interval time.Duration, shots results.ShotRepository, logger *logger.Logger) *Archive {
	if limit <= 0 {
		limit = DefaultImageBufferLimit
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Archive{
		imagesDir:   imagesDir,
		limit:       limit,
		interval:    interval,
		bufferCount: make(map[string]int),
		logger:      logger,
		shots:       shots,
	}
}

// Run flushes on every interval until ctx is done, then flushes once more.
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-ctx.Done():
			a.Flush()
			return
		}
	}
}

// Add buffers an encoded image. Images beyond the per-source limit are
// dropped until the next flush.
func (a *Archive) Add(data []byte, source, shotID string, dets []detector.Detection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bufferCount[source] >= a.limit {
		a.logger.Debug("Archive buffer for %s is full (%d), dropping image", source, a.limit)
		return false
	}

	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		labels = append(labels, detector.ClassLabel(d.ClassID))
	}

	a.images = append(a.images, bufferedImage{
		Timestamp: time.Now(),
		Source:    source,
		ShotID:    shotID,
		Labels:    labels,
		Data:      data,
	})
	a.bufferCount[source]++
	a.logger.Debug("Archive buffer for %s: %d/%d", source, a.bufferCount[source], a.limit)
	return true
}

func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.images)
}

// Flush writes buffered images to disk, resets the buffer and returns how
// many files were saved.
func (a *Archive) Flush() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.images) == 0 {
		return 0
	}

	if err := os.MkdirAll(a.imagesDir, 0755); err != nil {
		a.logger.Error("Error creating directory: %v", err)
		return 0
	}

	savedCount := 0
	for _, image := range a.images {
		filename := imageFilename(image)
		fullpath := filepath.Join(a.imagesDir, filename)

		if err := os.WriteFile(fullpath, image.Data, 0644); err != nil {
			a.logger.Error("Error saving image %s: %v", filename, err)
			continue
		}

		if a.shots != nil && image.ShotID != "" {
			if err := a.shots.SetImagePath(image.ShotID, fullpath); err != nil {
				a.logger.Error("Error recording image %s for shot %s: %v", filename, image.ShotID, err)
			}
		}
		savedCount++
	}

	a.logger.Info("Flushed %d images to disk", savedCount)
	a.images = a.images[:0]
	a.bufferCount = make(map[string]int)
	return savedCount
}

func imageFilename(image bufferedImage) string {
	objects := ""
	for _, label := range image.Labels {
		objects += strings.ReplaceAll(label, " ", "-") + "_"
	}
	return fmt.Sprintf("%s_%s_%s%s.jpg", image.Timestamp.Format(timestampLayout), sanitize(image.Source), objects, image.ShotID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == ':' {
			return '-'
		}
		return r
	}, s)
}
