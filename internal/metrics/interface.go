package metrics

import (
	"context"
	"time"
)

// Collector defines the core domain interface
type Collector interface {
	Record(ctx context.Context, sample *Sample) error
	Close() error
}

// Repository defines the interface for sample storage
type Repository interface {
	Record(sample *Sample) error
	Close() error
}

// Sample is one accepted power-history record, as persisted
type Sample struct {
	Timestamp    time.Time
	SequenceID   int
	AverageWatts int64
	MaximumWatts int64
	RecordCount  int
	HistoryReset bool
}
