package device

import (
	"strconv"
	"strings"
)

// FirmwareVersion is a parsed "<major>.<minor>.<patch>[.<suffix>]" firmware
// string, e.g. "2.7.11.abcdef0".
type FirmwareVersion struct {
	Major, Minor, Patch int
	Suffix              string
	raw                 string
}

// ParseFirmwareVersion parses the firmware string reported in
// DeviceMetadata.FirmwareVersion. A version that fails to parse yields the
// zero FirmwareVersion, which never supports favorites.
func ParseFirmwareVersion(s string) FirmwareVersion {
	parts := strings.SplitN(s, ".", 4)
	v := FirmwareVersion{raw: s}
	if len(parts) < 3 {
		return v
	}
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return FirmwareVersion{raw: s}
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return FirmwareVersion{raw: s}
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return FirmwareVersion{raw: s}
	}
	if len(parts) == 4 {
		v.Suffix = parts[3]
	}
	return v
}

func (v FirmwareVersion) String() string { return v.raw }

// SupportsFavorites reports whether this firmware version is new enough to
// support the favorites admin ops (>= 2.7.0).
func (v FirmwareVersion) SupportsFavorites() bool {
	if v.Major > 2 {
		return true
	}
	return v.Major == 2 && v.Minor >= 7
}
