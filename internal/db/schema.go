package db

import "time"

// Batch is one flush of the sample collector
type Batch struct {
	BatchID     string
	FlushedAt   time.Time
	SampleCount int
}

// Sample is a named set of counters taken from one runtime component
type Sample struct {
	ID       int64
	BatchID  string
	Source   string
	Name     string
	TakenAt  time.Time
	Counters map[string]int64
}

const schema = `
CREATE TABLE IF NOT EXISTS sample_batches (
	batch_id     TEXT PRIMARY KEY,
	flushed_at   TIMESTAMP NOT NULL,
	sample_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id  TEXT NOT NULL REFERENCES sample_batches(batch_id) ON DELETE CASCADE,
	source    TEXT NOT NULL,
	name      TEXT NOT NULL,
	taken_at  TIMESTAMP NOT NULL,
	counters  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_samples_source_taken_at ON samples(source, taken_at);
`
