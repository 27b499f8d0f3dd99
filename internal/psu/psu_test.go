package psu_test

import (
	"context"
	"testing"

	"codeberg.org/mkrell/psumon/internal/errors"
	"codeberg.org/mkrell/psumon/internal/history"
	"codeberg.org/mkrell/psumon/internal/pmbus"
	"codeberg.org/mkrell/psumon/internal/psu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	rawRecord  []byte
	statusWord uint64
	readErr    error
	syncs      int
}

func (d *fakeDevice) FindHwmonDir() error {
	d.syncs++
	return nil
}

func (d *fakeDevice) Read(name string, _ pmbus.Type) (uint64, error) {
	if name == pmbus.StatusWord {
		return d.statusWord, nil
	}
	return 0, errors.New().New(errors.ErrResourceNotFound)
}

func (d *fakeDevice) ReadBinary(_ string, _ pmbus.Type, _ int) ([]byte, error) {
	if d.readErr != nil {
		return nil, d.readErr
	}
	return d.rawRecord, nil
}

func rawRecord(id uint8, avg, max uint16) []byte {
	return []byte{id, byte(avg), byte(avg >> 8), byte(max), byte(max >> 8)}
}

func newSupply(t *testing.T, dev *fakeDevice) *psu.PowerSupply {
	t.Helper()
	supply, err := psu.New("psu0", dev, 5, history.DefaultLastSequenceID)
	require.NoError(t, err)
	return supply
}

func TestPollAcceptsNewRecord(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 0x0026, 0x03FF)}
	supply := newSupply(t, dev)

	snap, err := supply.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, 1, snap.SequenceID)
	assert.Equal(t, int64(38), snap.AverageWatts)
	assert.Equal(t, int64(1023), snap.MaximumWatts)
	assert.Equal(t, 1, snap.RecordCount)
	assert.False(t, snap.HistoryReset)

	require.Len(t, supply.AverageHistory(), 1)
	assert.Equal(t, int64(38), supply.AverageHistory()[0].Value)
	assert.Equal(t, int64(1023), supply.MaximumHistory()[0].Value)
}

func TestPollIgnoresRepeatedRecord(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	snap, err := supply.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	// Same record comes back next poll
	snap, err = supply.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap, "an unchanged record must not produce a snapshot")
	assert.Equal(t, 1, supply.Status().RecordCount)
}

func TestPollDetectsReset(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	_, err := supply.Poll(context.Background())
	require.NoError(t, err)

	dev.rawRecord = rawRecord(2, 2, 2)
	_, err = supply.Poll(context.Background())
	require.NoError(t, err)

	// Sequence jumps: the old history is discarded
	dev.rawRecord = rawRecord(9, 3, 3)
	snap, err := supply.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.HistoryReset)
	assert.Equal(t, 1, snap.RecordCount)
	assert.Equal(t, 9, supply.Status().LastSequenceID)
}

func TestPollEmptyRecordClears(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	_, err := supply.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, supply.Status().RecordCount)

	dev.rawRecord = nil
	snap, err := supply.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.HistoryReset)
	assert.Equal(t, 0, supply.Status().RecordCount)

	// Still no data next poll: nothing left to report
	snap, err = supply.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPollReadFailure(t *testing.T) {
	dev := &fakeDevice{readErr: errors.New().New(errors.ErrOperationFailed)}
	supply := newSupply(t, dev)

	for i := 0; i < 4; i++ {
		_, err := supply.Poll(context.Background())
		assert.Error(t, err)
	}
	assert.Equal(t, uint64(4), supply.Status().ReadFailures)

	// A good read resets the failure streak
	dev.readErr = nil
	dev.rawRecord = rawRecord(1, 1, 1)
	_, err := supply.Poll(context.Background())
	require.NoError(t, err)
}

func TestPollInputFault(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1), statusWord: pmbus.InputFaultWarn}
	supply := newSupply(t, dev)

	_, err := supply.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, supply.Status().InputFault)

	dev.statusWord = 0
	dev.rawRecord = rawRecord(2, 1, 1)
	_, err = supply.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, supply.Status().InputFault)
}

func TestSyncHistory(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	_, err := supply.Poll(context.Background())
	require.NoError(t, err)

	supply.SyncHistory()
	assert.Equal(t, 0, supply.Status().RecordCount)
	assert.Equal(t, 1, dev.syncs, "sync must re-resolve the hwmon directory")
}

func TestSetPresent(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	_, err := supply.Poll(context.Background())
	require.NoError(t, err)

	supply.SetPresent(false)
	assert.Equal(t, 0, supply.Status().RecordCount)

	// An absent supply is not polled
	snap, err := supply.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	supply.SetPresent(true)
	assert.Equal(t, 1, dev.syncs)
}

func TestPollCancelledContext(t *testing.T) {
	dev := &fakeDevice{rawRecord: rawRecord(1, 1, 1)}
	supply := newSupply(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := supply.Poll(ctx)
	assert.Error(t, err)
}
