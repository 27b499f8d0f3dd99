package psu

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mkrell/psumon/internal/errors"
	"codeberg.org/mkrell/psumon/internal/history"
	"codeberg.org/mkrell/psumon/internal/logger"
	"codeberg.org/mkrell/psumon/internal/pmbus"
)

// faultCount is how many consecutive read failures are tolerated
// before one is logged
const faultCount = 3

// Device is the PMBus attribute access a PowerSupply needs
type Device interface {
	FindHwmonDir() error
	Read(name string, typ pmbus.Type) (uint64, error)
	ReadBinary(name string, typ pmbus.Type, length int) ([]byte, error)
}

// Snapshot is one accepted history sample, in the form the metrics
// store persists
type Snapshot struct {
	Timestamp    time.Time
	SequenceID   int
	AverageWatts int64
	MaximumWatts int64
	RecordCount  int
	HistoryReset bool
}

// Status describes the monitor's current state for the API
type Status struct {
	Name           string `json:"name"`
	Present        bool   `json:"present"`
	InputFault     bool   `json:"input_fault"`
	RecordCount    int    `json:"record_count"`
	LastSequenceID int    `json:"last_sequence_id"` // -1 when the history is empty
	ReadFailures   uint64 `json:"read_failures"`
}

// PowerSupply monitors the input power history of one power supply.
// Each poll reads the newest raw record from the device and merges it
// into the bounded history the API and metrics store consume.
type PowerSupply struct {
	name           string
	dev            Device
	records        *history.RecordManager
	rollover       int
	present        bool
	inputFault     bool
	readFail       int
	readFailLogged bool
	readFailures   uint64
	mu             sync.RWMutex
}

func New(name string, dev Device, historyDepth, sequenceRollover int) (*PowerSupply, error) {
	records, err := history.NewRecordManagerWithRollover(historyDepth, sequenceRollover)
	if err != nil {
		return nil, err
	}

	return &PowerSupply{
		name:     name,
		dev:      dev,
		records:  records,
		rollover: sequenceRollover,
		present:  true,
	}, nil
}

// Poll reads the supply once: STATUS_WORD for fault visibility, then
// the newest raw history record. It returns a snapshot of the newest
// record when the visible history changed, or nil when it did not.
func (p *PowerSupply) Poll(ctx context.Context) (*Snapshot, error) {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return nil, errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.present {
		return nil, nil
	}

	// STATUS_WORD is informational only; a failed read does not stop
	// the history update.
	if statusWord, err := p.dev.Read(pmbus.StatusWord, pmbus.Debug); err == nil {
		fault := statusWord&pmbus.InputFaultWarn != 0 || statusWord&pmbus.VinUVFault != 0
		if fault && !p.inputFault {
			logger.Warn().
				Str("psu", p.name).
				Uint64("status_word", statusWord).
				Msg("Power supply input fault or warning")
		}
		p.inputFault = fault
	}

	raw, err := p.dev.ReadBinary(pmbus.InputHistory, pmbus.Debug, history.RawRecordSize)
	if err != nil {
		p.recordReadFailure(err)
		return nil, errFactory.Wrap(errors.ErrPollPSU, err)
	}

	p.readFail = 0
	p.readFailLogged = false

	reset := p.willReset(raw)
	if !p.records.Add(raw) {
		return nil, nil
	}

	newest, ok := p.records.Newest()
	if !ok {
		if !reset {
			// The supply still has no data and there was nothing
			// to clear.
			return nil, nil
		}

		return &Snapshot{
			Timestamp:    time.Now(),
			SequenceID:   -1,
			RecordCount:  0,
			HistoryReset: true,
		}, nil
	}

	return &Snapshot{
		Timestamp:    time.UnixMilli(newest.Timestamp),
		SequenceID:   newest.SequenceID,
		AverageWatts: newest.Average,
		MaximumWatts: newest.Maximum,
		RecordCount:  p.records.GetNumRecords(),
		HistoryReset: reset,
	}, nil
}

// willReset reports whether merging raw will discard the stored
// history: either the supply returned no data, or the incoming
// sequence ID is neither the newest stored ID nor its expected
// successor.
func (p *PowerSupply) willReset(raw []byte) bool {
	if len(raw) == 0 {
		return p.records.GetNumRecords() > 0
	}

	if len(raw) != history.RawRecordSize {
		return false
	}

	newest, ok := p.records.Newest()
	if !ok {
		return false
	}

	id := int(raw[0])
	next := (newest.SequenceID + 1) % (p.rollover + 1)

	return id != newest.SequenceID && id != next
}

func (p *PowerSupply) recordReadFailure(err error) {
	p.readFailures++

	if p.readFail < faultCount {
		p.readFail++
	}

	if !p.readFailLogged && p.readFail >= faultCount {
		logger.Error().
			Str("psu", p.name).
			Err(err).
			Msg("Repeated failures reading the power supply history")
		p.readFailLogged = true
	}
}

// SyncHistory re-resolves the device's hwmon directory and clears the
// stored records so the restarted sequence becomes the new baseline.
// Called when the supply's history counters were externally reset.
func (p *PowerSupply) SyncHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.dev.FindHwmonDir(); err != nil {
		logger.Warn().Str("psu", p.name).Err(err).Msg("hwmon directory not found during sync")
	}

	p.records.Clear()
}

// SetPresent updates the supply's presence. A supply that went away
// loses its history; one that returned gets a fresh hwmon directory
// and an empty baseline.
func (p *PowerSupply) SetPresent(present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if present == p.present {
		return
	}

	p.present = present
	if present {
		if err := p.dev.FindHwmonDir(); err != nil {
			logger.Warn().Str("psu", p.name).Err(err).Msg("hwmon directory not found for returning supply")
		}
	}

	p.records.Clear()
	logger.Info().Str("psu", p.name).Bool("present", present).Msg("Power supply presence changed")
}

// AverageHistory returns the average input power series, newest first
func (p *PowerSupply) AverageHistory() []history.TimedValue {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.records.GetAverageRecords()
}

// MaximumHistory returns the maximum input power series, newest first
func (p *PowerSupply) MaximumHistory() []history.TimedValue {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.records.GetMaximumRecords()
}

// Status returns the monitor's current state
func (p *PowerSupply) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lastID := -1
	if newest, ok := p.records.Newest(); ok {
		lastID = newest.SequenceID
	}

	return Status{
		Name:           p.name,
		Present:        p.present,
		InputFault:     p.inputFault,
		RecordCount:    p.records.GetNumRecords(),
		LastSequenceID: lastID,
		ReadFailures:   p.readFailures,
	}
}
