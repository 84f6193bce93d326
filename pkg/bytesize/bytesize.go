// Package bytesize parses and formats the byte sizes and transfer rates that
// appear in channel snapshots and agent configuration.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
	PB int64 = 1024 * TB
)

// Link rate units in bytes per second (SI, as quoted for network links).
const (
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * Mbps
)

var (
	// sizePattern matches "100MB", "1.5 GB", "2Ti" or a bare number of bytes
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// ratePattern matches "100MB/s", "10gbps", "512 KB/s"
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

var sizeUnits = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
	"P": PB, "PB": PB, "PI": PB, "PIB": PB,
}

// Parse parses a size such as "100MB", "1.5GB" or "1024" into bytes.
// Units are binary and case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := sizeUnits[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format renders a byte count with two decimals in the largest fitting unit.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{PB, "PB"},
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// ParseRate parses a throughput such as "100MB/s" or "10gbps" into bytes per
// second. Byte rates use binary units, bit rates use SI units.
func ParseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}

	matches := ratePattern.FindStringSubmatch(s)
	if matches == nil {
		// A bare number is already bytes per second.
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid rate format: %q", s)
		}
		return v, nil
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	switch unit := strings.ToLower(matches[2]); unit {
	case "mbps":
		return value * float64(Mbps), nil
	case "gbps":
		return value * float64(Gbps), nil
	default:
		perSec, found := strings.CutSuffix(unit, "/s")
		if !found {
			return 0, fmt.Errorf("unknown rate unit: %q", matches[2])
		}
		multiplier, ok := sizeUnits[strings.ToUpper(perSec)]
		if !ok {
			return 0, fmt.Errorf("unknown rate unit: %q", matches[2])
		}
		return value * float64(multiplier), nil
	}
}

// FormatRate renders bytes per second as "<size>/s".
func FormatRate(bytesPerSec float64) string {
	return Format(int64(bytesPerSec)) + "/s"
}

// Size is a byte count that unmarshals from YAML as a number or a string
// with units ("10Gi", "500MB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or string with units (e.g., 10Gi, 500MB)")
	}
	bytes, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(bytes)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}

// Rate is a throughput in bytes per second that unmarshals from YAML as a
// number or a string with units ("120MB/s", "10gbps").
type Rate float64

// UnmarshalYAML implements yaml.Unmarshaler for Rate.
func (r *Rate) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var f float64
	if err := unmarshal(&f); err == nil {
		*r = Rate(f)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("rate must be a number or string with units (e.g., 100MB/s, 10gbps)")
	}
	v, err := ParseRate(str)
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", str, err)
	}
	*r = Rate(v)
	return nil
}

// BytesPerSecond returns the rate as a float.
func (r Rate) BytesPerSecond() float64 {
	return float64(r)
}

// String returns a human-readable representation.
func (r Rate) String() string {
	return FormatRate(float64(r))
}
