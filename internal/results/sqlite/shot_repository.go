package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pitrac/internal/ipc"
	"pitrac/internal/results"
)

// ShotRepository implements results.ShotRepository for SQLite.
type ShotRepository struct {
	db *DB
}

var _ results.ShotRepository = (*ShotRepository)(nil)

func NewShotRepository(db *DB) *ShotRepository {
	return &ShotRepository{db: db}
}

// Open creates the database at path and returns a repository that owns it.
func Open(path string) (*ShotRepository, error) {
	db, err := New(path)
	if err != nil {
		return nil, err
	}
	return NewShotRepository(db), nil
}

func (r *ShotRepository) Insert(shot *results.Shot) error {
	data, err := json.Marshal(shot.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result data: %w", err)
	}

	r.db.Lock()
	defer r.db.Unlock()

	_, err = r.db.Conn().Exec(`
		INSERT INTO shots (id, system_id, result_type, received_at, data, image_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, shot.ID, shot.SystemID, int(shot.ResultType), shot.ReceivedAt.UTC(), string(data), shot.ImagePath)
	if err != nil {
		return fmt.Errorf("failed to insert shot: %w", err)
	}
	return nil
}

// InsertDetections adds the records for shotID in a single transaction.
func (r *ShotRepository) InsertDetections(shotID string, records []results.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO detections (shot_id, class_id, label, x, y, width, height, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		if _, err := stmt.Exec(shotID, d.ClassID, d.Label, d.X, d.Y, d.Width, d.Height, d.Confidence); err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}

	return tx.Commit()
}

func (r *ShotRepository) SetImagePath(shotID, path string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`UPDATE shots SET image_path = ? WHERE id = ?`, path, shotID); err != nil {
		return fmt.Errorf("failed to update image path: %w", err)
	}
	return nil
}

// GetByID returns nil without an error when no shot has that id.
func (r *ShotRepository) GetByID(id string) (*results.Shot, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	row := r.db.Conn().QueryRow(`
		SELECT id, system_id, result_type, received_at, data, image_path
		FROM shots WHERE id = ?
	`, id)

	shot, err := scanShot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shot: %w", err)
	}
	return shot, nil
}

// List returns the newest shots first; limit <= 0 returns all of them.
func (r *ShotRepository) List(limit int) ([]results.Shot, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	query := `
		SELECT id, system_id, result_type, received_at, data, image_path
		FROM shots ORDER BY received_at DESC, id DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shots: %w", err)
	}
	defer rows.Close()

	var shots []results.Shot
	for rows.Next() {
		shot, err := scanShot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shot: %w", err)
		}
		shots = append(shots, *shot)
	}
	return shots, rows.Err()
}

func (r *ShotRepository) Count() (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM shots`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count shots: %w", err)
	}
	return count, nil
}

func (r *ShotRepository) DetectionsFor(shotID string) ([]results.DetectionRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT id, shot_id, class_id, label, x, y, width, height, confidence
		FROM detections WHERE shot_id = ? ORDER BY id
	`, shotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var records []results.DetectionRecord
	for rows.Next() {
		var d results.DetectionRecord
		if err := rows.Scan(&d.ID, &d.ShotID, &d.ClassID, &d.Label, &d.X, &d.Y, &d.Width, &d.Height, &d.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

func (r *ShotRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanShot(s scanner) (*results.Shot, error) {
	var (
		shot       results.Shot
		resultType int
		data       string
	)
	if err := s.Scan(&shot.ID, &shot.SystemID, &resultType, &shot.ReceivedAt, &data, &shot.ImagePath); err != nil {
		return nil, err
	}
	shot.ResultType = ipc.ResultType(resultType)
	if err := json.Unmarshal([]byte(data), &shot.Data); err != nil {
		return nil, fmt.Errorf("failed to decode result data: %w", err)
	}
	return &shot, nil
}
