package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pitrac/internal/detector"
	"pitrac/internal/ipc"
	"pitrac/internal/results"
	"pitrac/internal/results/sqlite"
)

func openTestRepository(t *testing.T) (*sqlite.ShotRepository, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "shots.db")
	repo, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, dbPath
}

func TestDatabase_Connection(t *testing.T) {
	_, dbPath := openTestRepository(t)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file should exist")
	}
}

func TestDatabase_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shots.db")

	repo, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := repo.Insert(results.NewShot("pi1_1", map[string]string{})); err != nil {
		t.Fatalf("Failed to insert shot: %v", err)
	}
	repo.Close()

	repo, err = sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer repo.Close()

	count, err := repo.Count()
	if err != nil {
		t.Fatalf("Failed to count shots: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 shot after reopening, got %d", count)
	}
}

func TestShotRepository_InsertAndGet(t *testing.T) {
	repo, _ := openTestRepository(t)

	dets := []detector.Detection{
		{Box: detector.Box{X: 10, Y: 20, Width: 5, Height: 5}, Confidence: 0.9, ClassID: 32},
	}
	shot := results.NewShot("pi2_42", results.FromDetections(ipc.ResultHit, dets))
	shot.ImagePath = "/images/shot.jpg"

	if err := repo.Insert(shot); err != nil {
		t.Fatalf("Failed to insert shot: %v", err)
	}

	got, err := repo.GetByID(shot.ID)
	if err != nil {
		t.Fatalf("Failed to get shot: %v", err)
	}
	if got == nil {
		t.Fatal("Expected shot, got nil")
	}
	if got.SystemID != "pi2_42" {
		t.Errorf("Expected system id pi2_42, got %s", got.SystemID)
	}
	if got.ResultType != ipc.ResultHit {
		t.Errorf("Expected result type Hit, got %s", got.ResultType)
	}
	if got.ImagePath != "/images/shot.jpg" {
		t.Errorf("Expected image path to round trip, got %q", got.ImagePath)
	}
	if d := got.ReceivedAt.Sub(shot.ReceivedAt); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("Received time drifted by %v", d)
	}

	back, err := results.ToDetections(got.Data)
	if err != nil {
		t.Fatalf("Failed to decode stored detections: %v", err)
	}
	if len(back) != 1 || back[0] != dets[0] {
		t.Errorf("Expected %v, got %v", dets, back)
	}
}

func TestShotRepository_GetMissing(t *testing.T) {
	repo, _ := openTestRepository(t)

	got, err := repo.GetByID("nope")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing shot, got %+v", got)
	}
}

func TestShotRepository_ListNewestFirst(t *testing.T) {
	repo, _ := openTestRepository(t)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		shot := results.NewShot("pi1_1", map[string]string{})
		shot.ReceivedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Insert(shot); err != nil {
			t.Fatalf("Failed to insert shot %d: %v", i, err)
		}
		ids = append(ids, shot.ID)
	}

	shots, err := repo.List(3)
	if err != nil {
		t.Fatalf("Failed to list shots: %v", err)
	}
	if len(shots) != 3 {
		t.Fatalf("Expected 3 shots, got %d", len(shots))
	}
	for i, shot := range shots {
		if want := ids[4-i]; shot.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, shot.ID)
		}
	}

	all, err := repo.List(0)
	if err != nil {
		t.Fatalf("Failed to list shots: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 shots, got %d", len(all))
	}
}

func TestShotRepository_Detections(t *testing.T) {
	repo, _ := openTestRepository(t)

	shot := results.NewShot("pi1_1", map[string]string{})
	if err := repo.Insert(shot); err != nil {
		t.Fatalf("Failed to insert shot: %v", err)
	}

	records := results.Records(shot.ID, []detector.Detection{
		{Box: detector.Box{X: 1, Y: 2, Width: 3, Height: 4}, Confidence: 0.75, ClassID: 32},
		{Box: detector.Box{X: 5, Y: 6, Width: 7, Height: 8}, Confidence: 0.5, ClassID: 0},
	})
	if err := repo.InsertDetections(shot.ID, records); err != nil {
		t.Fatalf("Failed to insert detections: %v", err)
	}
	if err := repo.InsertDetections(shot.ID, nil); err != nil {
		t.Fatalf("Inserting no detections should succeed: %v", err)
	}

	got, err := repo.DetectionsFor(shot.ID)
	if err != nil {
		t.Fatalf("Failed to get detections: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(got))
	}
	if got[0].Label != "sports ball" || got[0].Confidence != 0.75 || got[0].Width != 3 {
		t.Errorf("Unexpected first detection: %+v", got[0])
	}
	if got[1].ClassID != 0 || got[1].ShotID != shot.ID {
		t.Errorf("Unexpected second detection: %+v", got[1])
	}

	none, err := repo.DetectionsFor("other")
	if err != nil {
		t.Fatalf("Failed to get detections: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no detections, got %d", len(none))
	}
}

func TestShotRepository_SetImagePath(t *testing.T) {
	repo, _ := openTestRepository(t)

	shot := results.NewShot("pi1_1", nil)
	if err := repo.Insert(shot); err != nil {
		t.Fatalf("Failed to insert shot: %v", err)
	}
	if err := repo.SetImagePath(shot.ID, "/images/a.jpg"); err != nil {
		t.Fatalf("Failed to set image path: %v", err)
	}

	got, err := repo.GetByID(shot.ID)
	if err != nil || got == nil {
		t.Fatalf("Failed to get shot: %v", err)
	}
	if got.ImagePath != "/images/a.jpg" {
		t.Errorf("Expected /images/a.jpg, got %q", got.ImagePath)
	}
}
