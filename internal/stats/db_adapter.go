package stats

import (
	"fmt"
	"time"

	"github.com/o-peregudov/mqmx/internal/db"
)

// Writer persists one batch of samples
type Writer interface {
	WriteBatch(batchID string, flushedAt time.Time, samples []Sample) error
}

// DBAdapter adapts the internal db.DB to the Writer interface
type DBAdapter struct {
	db *db.DB
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteBatch stores samples in the journal as one transaction
func (a *DBAdapter) WriteBatch(batchID string, flushedAt time.Time, samples []Sample) error {
	rows := make([]db.Sample, len(samples))
	for i, s := range samples {
		rows[i] = db.Sample{
			BatchID:  batchID,
			Source:   s.Source.String(),
			Name:     s.Name,
			TakenAt:  s.TakenAt,
			Counters: s.Counters,
		}
	}

	if err := a.db.InsertSamples(batchID, flushedAt, rows); err != nil {
		return fmt.Errorf("failed to write batch %s: %w", batchID, err)
	}
	return nil
}
