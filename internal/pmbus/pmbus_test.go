package pmbus_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mkrell/psumon/internal/pmbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDevice lays out a fake sysfs/debugfs tree:
//
//	<base>/hwmon/hwmon3/
//	<debug>/pmbus/hwmon3/
func newTestDevice(t *testing.T) (*pmbus.Device, string, string) {
	t.Helper()

	base := t.TempDir()
	debug := t.TempDir()

	hwmonDir := filepath.Join(base, "hwmon", "hwmon3")
	require.NoError(t, os.MkdirAll(hwmonDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(debug, "pmbus", "hwmon3"), 0o755))

	dev := pmbus.New(base, "")
	dev.SetDebugPath(debug)
	require.NoError(t, dev.FindHwmonDir())

	return dev, base, debug
}

func TestFindHwmonDir(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	assert.Equal(t, "hwmon3", dev.HwmonDir())
}

func TestFindHwmonDirMissing(t *testing.T) {
	dev := pmbus.New(t.TempDir(), "")
	assert.Error(t, dev.FindHwmonDir())
}

func TestRead(t *testing.T) {
	dev, base, _ := newTestDevice(t)

	path := filepath.Join(base, "hwmon", "hwmon3", pmbus.StatusWord)
	require.NoError(t, os.WriteFile(path, []byte("8200\n"), 0o644))

	value, err := dev.Read(pmbus.StatusWord, pmbus.Hwmon)
	require.NoError(t, err)
	assert.Equal(t, uint64(8200), value)
}

func TestReadMissingAttribute(t *testing.T) {
	dev, _, _ := newTestDevice(t)

	_, err := dev.Read("does_not_exist", pmbus.Hwmon)
	assert.Error(t, err)
}

func TestReadBinary(t *testing.T) {
	dev, _, debug := newTestDevice(t)

	raw := []byte{0x01, 0x10, 0x00, 0x20, 0x00}
	path := filepath.Join(debug, "pmbus", "hwmon3", pmbus.InputHistory)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	data, err := dev.ReadBinary(pmbus.InputHistory, pmbus.Debug, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestReadBinaryShort(t *testing.T) {
	dev, _, debug := newTestDevice(t)

	// The file holds less data than asked for; the short read is
	// returned, not an error.
	path := filepath.Join(debug, "pmbus", "hwmon3", pmbus.InputHistory)
	require.NoError(t, os.WriteFile(path, []byte{0xAB, 0xCD}, 0o644))

	data, err := dev.ReadBinary(pmbus.InputHistory, pmbus.Debug, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, data)
}

func TestReadBinaryMissingFile(t *testing.T) {
	dev, _, _ := newTestDevice(t)

	data, err := dev.ReadBinary(pmbus.InputHistory, pmbus.Debug, 5)
	require.NoError(t, err)
	assert.Empty(t, data, "a missing attribute reads as no data")
}

func TestExists(t *testing.T) {
	dev, base, _ := newTestDevice(t)

	assert.False(t, dev.Exists(pmbus.StatusWord, pmbus.Hwmon))

	path := filepath.Join(base, "hwmon", "hwmon3", pmbus.StatusWord)
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	assert.True(t, dev.Exists(pmbus.StatusWord, pmbus.Hwmon))
}
