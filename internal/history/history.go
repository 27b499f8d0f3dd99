package history

import (
	"math"
	"time"

	"codeberg.org/mkrell/psumon/internal/errors"
	"codeberg.org/mkrell/psumon/internal/logger"
)

const (
	// RawRecordSize is the length of one raw history record as the
	// power supply returns it: a sequence ID byte followed by the
	// average and maximum power, each 2 bytes in PMBus linear format
	// with the MSB last.
	RawRecordSize = 5

	rawRecordIDOffset = 0

	// FirstSequenceID is the ID the supply starts from after a sync
	FirstSequenceID = 0

	// DefaultLastSequenceID is the last ID an 8-bit sequence counter
	// returns before wrapping back to 0
	DefaultLastSequenceID = 0xFF
)

// Record is one decoded history sample: the average and maximum input
// power the supply measured over a 30s interval.
type Record struct {
	SequenceID int
	Timestamp  int64 // milliseconds since the epoch
	Average    int64
	Maximum    int64
}

// TimedValue is one point of an exported power time series
type TimedValue struct {
	Timestamp int64 `json:"timestamp_ms"`
	Value     int64 `json:"watts"`
}

// RecordManager manages the input power history records of a power
// supply. It keeps the readings sorted newest to oldest, prunes the
// oldest entries past the configured depth, and clears out the old
// records and starts over when the sequence IDs coming from the
// supply break order.
type RecordManager struct {
	maxRecords     int
	lastSequenceID int
	records        []Record // newest first
}

// NewRecordManager returns a manager holding up to maxRecords entries,
// with the default 8-bit sequence rollover.
func NewRecordManager(maxRecords int) (*RecordManager, error) {
	return NewRecordManagerWithRollover(maxRecords, DefaultLastSequenceID)
}

// NewRecordManagerWithRollover returns a manager holding up to
// maxRecords entries whose sequence counter wraps to 0 after
// lastSequenceID.
func NewRecordManagerWithRollover(maxRecords, lastSequenceID int) (*RecordManager, error) {
	errFactory := errors.New()

	if maxRecords <= 0 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "history depth must be positive").
			WithData(maxRecords)
	}

	if lastSequenceID < 1 || lastSequenceID > 255 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "sequence rollover must be in [1, 255]").
			WithData(lastSequenceID)
	}

	return &RecordManager{
		maxRecords:     maxRecords,
		lastSequenceID: lastSequenceID,
	}, nil
}

// Add ingests one raw history record and reports whether the visible
// history changed.
//
// An empty record means the supply has no data - either it just
// started up, or it just got a SYNC - so the history is cleared. A
// record whose sequence ID matches the newest stored entry has been
// seen already and is ignored. A sequence ID that is not the expected
// successor of the newest entry means the stored history can no longer
// be trusted, so it is cleared before the new record is inserted.
func (m *RecordManager) Add(raw []byte) bool {
	if len(raw) == 0 {
		m.records = m.records[:0]
		return true
	}

	rec, err := m.createRecord(raw)
	if err != nil {
		return false
	}

	if len(m.records) > 0 {
		previousID := m.records[0].SequenceID

		// Already have this record. Done.
		if previousID == rec.SequenceID {
			return false
		}

		if m.nextSequenceID(previousID) != rec.SequenceID {
			// A 0 seemingly out of nowhere means the supply was
			// synced; anything else is a broken sequence.
			if rec.SequenceID != FirstSequenceID {
				logger.Info().
					Int("old_id", previousID).
					Int("new_id", rec.SequenceID).
					Msg("Noncontiguous history sequence ID found. Clearing old entries")
			}
			m.records = m.records[:0]
		}
	}

	m.records = append(m.records, Record{})
	copy(m.records[1:], m.records)
	m.records[0] = rec

	// If no more should be stored, prune the oldest
	if len(m.records) > m.maxRecords {
		m.records = m.records[:m.maxRecords]
	}

	return true
}

// AddAll ingests a batch of raw records, oldest first, and reports
// whether any of them changed the visible history.
func (m *RecordManager) AddAll(raws [][]byte) bool {
	changed := false
	for _, raw := range raws {
		if m.Add(raw) {
			changed = true
		}
	}

	return changed
}

// GetAverageRecords returns the average input power history,
// newest first.
func (m *RecordManager) GetAverageRecords() []TimedValue {
	list := make([]TimedValue, 0, len(m.records))
	for _, r := range m.records {
		list = append(list, TimedValue{Timestamp: r.Timestamp, Value: r.Average})
	}

	return list
}

// GetMaximumRecords returns the maximum input power history,
// newest first.
func (m *RecordManager) GetMaximumRecords() []TimedValue {
	list := make([]TimedValue, 0, len(m.records))
	for _, r := range m.records {
		list = append(list, TimedValue{Timestamp: r.Timestamp, Value: r.Maximum})
	}

	return list
}

// GetNumRecords returns the number of records
func (m *RecordManager) GetNumRecords() int {
	return len(m.records)
}

// Newest returns the most recent record, if any
func (m *RecordManager) Newest() (Record, bool) {
	if len(m.records) == 0 {
		return Record{}, false
	}

	return m.records[0], true
}

// Clear deletes all records
func (m *RecordManager) Clear() {
	m.records = m.records[:0]
}

// nextSequenceID returns the ID the supply is expected to report after
// id, wrapping from lastSequenceID back to FirstSequenceID.
func (m *RecordManager) nextSequenceID(id int) int {
	return (id + 1) % (m.lastSequenceID + 1)
}

// createRecord decodes a raw history record into a Record, stamped
// with the current time.
func (m *RecordManager) createRecord(raw []byte) (Record, error) {
	if len(raw) != RawRecordSize {
		logger.Error().Int("size", len(raw)).Msg("Invalid history record size")
		return Record{}, errors.New().WithData(errors.ErrInvalidArgument, len(raw))
	}

	average := LinearToInteger(uint16(raw[2])<<8 | uint16(raw[1]))
	maximum := LinearToInteger(uint16(raw[4])<<8 | uint16(raw[3]))

	return Record{
		SequenceID: int(raw[rawRecordIDOffset]),
		Timestamp:  time.Now().UnixMilli(),
		Average:    average,
		Maximum:    maximum,
	}, nil
}

// LinearToInteger converts a PMBus Linear Format power number to an
// integer. The 2 byte value is composed of a 5-bit exponent and an
// 11-bit mantissa, both in two's complement notation:
//
//	Value = Mantissa * 2**Exponent
//
// The result is truncated toward zero.
func LinearToInteger(data uint16) int64 {
	// The exponent is the first 5 bits, followed by 11 bits of mantissa.
	exponent := int((data & 0xF800) >> 11)
	mantissa := int(data & 0x07FF)

	// If exponent's MSB on, then it's negative.
	// Convert from two's complement.
	if exponent&0x10 != 0 {
		exponent = ^exponent & 0x1F
		exponent = (exponent + 1) * -1
	}

	// If mantissa's MSB on, then it's negative.
	// Convert from two's complement.
	if mantissa&0x400 != 0 {
		mantissa = ^mantissa & 0x07FF
		mantissa = (mantissa + 1) * -1
	}

	return int64(float64(mantissa) * math.Pow(2, float64(exponent)))
}
