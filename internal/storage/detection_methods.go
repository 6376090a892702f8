package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proximity-beacon/beacon-engine/internal/models"
)

// InsertDetection stores a detection. Redelivered messages carrying an ID
// already stored are ignored.
func (s *PostgresStore) InsertDetection(ctx context.Context, d *models.Detection) error {
	if d.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed_at is required", ErrInvalidData)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO detections (id, code, rssi, observed_at, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query,
		d.ID, d.Code, d.RSSI, d.ObservedAt, d.Source, d.CreatedAt,
	)
	return translateError(err)
}

// ListDetections lists detections, newest first
func (s *PostgresStore) ListDetections(ctx context.Context, filters models.DetectionFilters, limit, offset int) ([]*models.Detection, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Code != nil {
		argCount++
		where += fmt.Sprintf(" AND code = $%d", argCount)
		args = append(args, *filters.Code)
	}

	if filters.Source != nil {
		argCount++
		where += fmt.Sprintf(" AND source = $%d", argCount)
		args = append(args, *filters.Source)
	}

	if filters.MinRSSI != nil {
		argCount++
		where += fmt.Sprintf(" AND rssi >= $%d", argCount)
		args = append(args, *filters.MinRSSI)
	}

	if filters.StartTime != nil {
		argCount++
		where += fmt.Sprintf(" AND observed_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		where += fmt.Sprintf(" AND observed_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM detections"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, code, rssi, observed_at, source, created_at FROM detections")
	sb.WriteString(where)

	argCount++
	fmt.Fprintf(&sb, " ORDER BY observed_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	fmt.Fprintf(&sb, " OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Detection
	for rows.Next() {
		d := &models.Detection{}
		if err := rows.Scan(&d.ID, &d.Code, &d.RSSI, &d.ObservedAt, &d.Source, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}

	return out, count, rows.Err()
}

// PruneDetections deletes detections observed before the cutoff and reports
// how many were removed.
func (s *PostgresStore) PruneDetections(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.getDB().ExecContext(ctx, "DELETE FROM detections WHERE observed_at < $1", before)
	if err != nil {
		return 0, translateError(err)
	}
	return res.RowsAffected()
}
