package database

import (
	"database/sql"
	"fmt"
)

// DayCount is the number of outcomes recorded on one UTC day.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// GroupCount is the number of outcomes for one day, group and status.
// Group is a model type or a base model depending on the breakdown.
type GroupCount struct {
	Day    string `json:"day"`
	Group  string `json:"group"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Stats summarises file size or download time for one group.
type Stats struct {
	Group string  `json:"group"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Metrics aggregates the downloads table for the control plane.
type Metrics struct {
	PerDay                   []DayCount   `json:"downloads_per_day"`
	PerDayTypeStatus         []GroupCount `json:"downloads_per_day_type_status"`
	PerDayBaseModelStatus    []GroupCount `json:"downloads_per_day_base_model_status"`
	FileSizePerType          []Stats      `json:"file_size_stats_per_type"`
	DownloadTimePerType      []Stats      `json:"download_time_stats_per_type"`
	FileSizePerBaseModel     []Stats      `json:"file_size_stats_per_base_model"`
	DownloadTimePerBaseModel []Stats      `json:"download_time_stats_per_base_model"`
	TotalDownloads           int          `json:"total_downloads"`
	UniqueSuccessful         int          `json:"unique_successful_downloads"`
	UniqueFailed             int          `json:"unique_failed_downloads"`
}

// Metrics computes every aggregate in one read transaction.
func (d *DB) Metrics() (*Metrics, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	m := &Metrics{}

	if err := tx.QueryRow(`SELECT COUNT(*) FROM downloads`).Scan(&m.TotalDownloads); err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}
	if m.UniqueSuccessful, err = uniqueCount(tx, "success"); err != nil {
		return nil, err
	}
	if m.UniqueFailed, err = uniqueCount(tx, "failed"); err != nil {
		return nil, err
	}

	if m.PerDay, err = perDay(tx); err != nil {
		return nil, err
	}
	if m.PerDayTypeStatus, err = groupCounts(tx, "model_type"); err != nil {
		return nil, err
	}
	if m.PerDayBaseModelStatus, err = groupCounts(tx, "base_model"); err != nil {
		return nil, err
	}
	if m.FileSizePerType, err = stats(tx, "model_type", "file_size"); err != nil {
		return nil, err
	}
	if m.DownloadTimePerType, err = stats(tx, "model_type", "download_time"); err != nil {
		return nil, err
	}
	if m.FileSizePerBaseModel, err = stats(tx, "base_model", "file_size"); err != nil {
		return nil, err
	}
	if m.DownloadTimePerBaseModel, err = stats(tx, "base_model", "download_time"); err != nil {
		return nil, err
	}

	return m, nil
}

func uniqueCount(tx *sql.Tx, status string) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT DISTINCT model_id, model_version_id, filename FROM downloads WHERE status = ?
		)`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unique %s downloads: %w", status, err)
	}
	return n, nil
}

func perDay(tx *sql.Tx) ([]DayCount, error) {
	rows, err := tx.Query(`
		SELECT substr(timestamp, 1, 10) AS day, COUNT(*)
		FROM downloads GROUP BY day ORDER BY day DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads per day: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var c DayCount
		if err := rows.Scan(&c.Day, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// column is always one of the fixed names above, never user input.
func groupCounts(tx *sql.Tx, column string) ([]GroupCount, error) {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT substr(timestamp, 1, 10) AS day, COALESCE(%[1]s, '') AS grp, status, COUNT(*)
		FROM downloads GROUP BY day, grp, status ORDER BY day DESC, grp, status`, column))
	if err != nil {
		return nil, fmt.Errorf("failed to query counts by %s: %w", column, err)
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var c GroupCount
		if err := rows.Scan(&c.Day, &c.Group, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func stats(tx *sql.Tx, group, value string) ([]Stats, error) {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT COALESCE(%[1]s, '') AS grp, AVG(%[2]s), MIN(%[2]s), MAX(%[2]s), COUNT(*)
		FROM downloads
		WHERE status = 'success' AND %[2]s IS NOT NULL
		GROUP BY grp ORDER BY grp`, group, value))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s stats by %s: %w", value, group, err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Group, &s.Avg, &s.Min, &s.Max, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
