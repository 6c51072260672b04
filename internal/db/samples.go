package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertSamples stores samples as one batch in a single transaction.
// Returns an error satisfying IsDuplicate if the batch id was used before.
func (db *DB) InsertSamples(batchID string, flushedAt time.Time, samples []Sample) error {
	return db.WithTransaction(func(tx *Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sample_batches (batch_id, flushed_at, sample_count) VALUES (?, ?, ?)`,
			batchID, flushedAt.UTC(), len(samples),
		)
		if err != nil {
			if IsDuplicate(err) {
				return fmt.Errorf("batch %s: %w", batchID, ErrDuplicate)
			}
			return fmt.Errorf("failed to insert batch %s: %w", batchID, err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO samples (batch_id, source, name, taken_at, counters)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range samples {
			counters, err := json.Marshal(s.Counters)
			if err != nil {
				return fmt.Errorf("failed to encode counters of %s/%s: %w", s.Source, s.Name, err)
			}

			if _, err := stmt.Exec(batchID, s.Source, s.Name, s.TakenAt.UTC(), string(counters)); err != nil {
				return fmt.Errorf("failed to insert sample %s/%s: %w", s.Source, s.Name, err)
			}
		}

		return nil
	})
}

// GetBatch retrieves a batch by id
func (db *DB) GetBatch(batchID string) (*Batch, error) {
	var b Batch
	err := db.QueryRow(
		`SELECT batch_id, flushed_at, sample_count FROM sample_batches WHERE batch_id = ?`,
		batchID,
	).Scan(&b.BatchID, &b.FlushedAt, &b.SampleCount)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// ListSamples returns samples of source taken at or after since, oldest first.
// An empty source matches every source; limit <= 0 means no limit.
func (db *DB) ListSamples(source string, since time.Time, limit int) ([]Sample, error) {
	query := `
		SELECT id, batch_id, source, name, taken_at, counters
		FROM samples
		WHERE (? = '' OR source = ?) AND taken_at >= ?
		ORDER BY taken_at, id
	`
	args := []interface{}{source, source, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var counters string
		if err := rows.Scan(&s.ID, &s.BatchID, &s.Source, &s.Name, &s.TakenAt, &counters); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(counters), &s.Counters); err != nil {
			return nil, fmt.Errorf("failed to decode counters of sample %d: %w", s.ID, err)
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

// CountSamples returns the number of stored samples
func (db *DB) CountSamples() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n)
	return n, err
}

// DeleteSamplesBefore removes batches flushed before t along with their samples
func (db *DB) DeleteSamplesBefore(t time.Time) (int64, error) {
	var deleted int64
	err := db.WithTransaction(func(tx *Tx) error {
		res, err := tx.Exec(
			`DELETE FROM samples WHERE batch_id IN (SELECT batch_id FROM sample_batches WHERE flushed_at < ?)`, t.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.Exec(`DELETE FROM sample_batches WHERE flushed_at < ?`, t.UTC())
		return err
	})
	return deleted, err
}
