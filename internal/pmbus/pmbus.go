package pmbus

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mkrell/psumon/internal/errors"
	"codeberg.org/mkrell/psumon/internal/logger"
)

// Attribute file names the PMBus driver exposes
const (
	// InputHistory is the file holding the most recent raw input
	// power history record
	InputHistory = "input_history"

	// StatusWord is the file holding the 2 byte STATUS_WORD value
	StatusWord = "status0"
)

// STATUS_WORD bits
const (
	// InputFaultWarn indicates an input fault or warning
	InputFaultWarn = 0x2000

	// PowerGoodNegated indicates the POWER_GOOD signal is negated
	PowerGoodNegated = 0x0800

	// VinUVFault indicates an input undervoltage fault
	VinUVFault = 0x0008
)

// Type describes where under the device tree an attribute lives
type Type int

const (
	// Base is the device's sysfs directory itself
	Base Type = iota

	// Hwmon is the hwmon/hwmonN directory under the device
	Hwmon

	// Debug is the pmbus debugfs directory for the device
	Debug

	// DeviceDebug is the driver's own debugfs directory
	DeviceDebug
)

const defaultDebugPath = "/sys/kernel/debug"

// Device reads PMBus attributes for one power supply through the
// sysfs and debugfs files the kernel driver exposes.
type Device struct {
	basePath   string
	debugPath  string
	hwmonDir   string
	deviceName string
}

// New returns a Device rooted at the supply's sysfs directory.
// deviceName is the driver's debugfs subdirectory and may be empty
// when the driver does not expose one.
func New(basePath, deviceName string) *Device {
	return &Device{
		basePath:   basePath,
		debugPath:  defaultDebugPath,
		deviceName: deviceName,
	}
}

// SetDebugPath overrides the debugfs mount point. Used by tests.
func (d *Device) SetDebugPath(path string) {
	d.debugPath = path
}

// FindHwmonDir locates the hwmonN directory under the device's base
// path. The directory name changes when the supply is re-bound, so
// this runs again whenever a supply returns.
func (d *Device) FindHwmonDir() error {
	errFactory := errors.New()

	hwmonRoot := filepath.Join(d.basePath, "hwmon")
	fileInfos, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return errFactory.WithData(errors.ErrResourceNotFound, hwmonRoot)
	}

	for _, fi := range fileInfos {
		if fi.IsDir() && strings.HasPrefix(fi.Name(), "hwmon") {
			d.hwmonDir = fi.Name()
			return nil
		}
	}

	logger.Info().Str("path", hwmonRoot).Msg("Unable to find hwmon directory for the power supply")

	return errFactory.WithData(errors.ErrResourceNotFound, hwmonRoot)
}

// HwmonDir returns the resolved hwmonN directory name
func (d *Device) HwmonDir() string {
	return d.hwmonDir
}

// Path returns the directory an attribute of the given type lives in
func (d *Device) Path(typ Type) string {
	switch typ {
	case Hwmon:
		return filepath.Join(d.basePath, "hwmon", d.hwmonDir)
	case Debug:
		return filepath.Join(d.debugPath, "pmbus", d.hwmonDir)
	case DeviceDebug:
		return filepath.Join(d.debugPath, d.deviceName)
	default:
		return d.basePath
	}
}

// Exists reports whether the named attribute is present
func (d *Device) Exists(name string, typ Type) bool {
	_, err := os.Stat(filepath.Join(d.Path(typ), name))
	return err == nil
}

// Read parses the named attribute as a decimal integer
func (d *Device) Read(name string, typ Type) (uint64, error) {
	errFactory := errors.New()

	path := filepath.Join(d.Path(typ), name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errFactory.WithData(errors.ErrOperationFailed, path)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return value, nil
}

// ReadBinary reads up to length bytes of the named attribute. A short
// read at end of file returns just the data that was there; anything
// else is a read failure.
func (d *Device) ReadBinary(name string, typ Type, length int) ([]byte, error) {
	errFactory := errors.New()

	path := filepath.Join(d.Path(typ), name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errFactory.WithData(errors.ErrOperationFailed, path)
	}
	defer file.Close()

	data := make([]byte, length)
	n, err := io.ReadFull(file, data)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return data[:n], nil
		}

		logger.Error().Str("filename", path).Err(err).Msg("Failed to read sysfs file")

		return nil, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return data, nil
}
