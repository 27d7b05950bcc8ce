package market

import (
	"fmt"
	"strings"
)

// Format enumerates the dataset encodings a request can accept. The set is
// closed; storage encodes a FormatSet as a bitmask over these variants.
type Format uint8

const (
	FormatCSV Format = iota
	FormatJSON
	FormatJSONL
	FormatParquet
	FormatText
	FormatImage
	FormatAudio

	formatCount
)

var formatNames = [formatCount]string{
	FormatCSV:     "csv",
	FormatJSON:    "json",
	FormatJSONL:   "jsonl",
	FormatParquet: "parquet",
	FormatText:    "text",
	FormatImage:   "image",
	FormatAudio:   "audio",
}

// Valid reports whether the format value is within the supported range.
func (f Format) Valid() bool { return f < formatCount }

func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("format(%d)", uint8(f))
	}
	return formatNames[f]
}

// ParseFormat resolves the canonical lowercase name of a dataset format.
func ParseFormat(s string) (Format, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == trimmed {
			return Format(f), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidInput, s)
}

// FormatSet is a fixed-size set over the closed Format enumeration. The zero
// value is the empty set; requests must accept at least one format.
type FormatSet struct {
	members [formatCount]bool
}

// NewFormatSet builds a set from the supplied formats, rejecting out-of-range
// values.
func NewFormatSet(formats ...Format) (FormatSet, error) {
	var set FormatSet
	for _, f := range formats {
		if err := set.Add(f); err != nil {
			return FormatSet{}, err
		}
	}
	return set, nil
}

// Add inserts a format into the set.
func (s *FormatSet) Add(f Format) error {
	if !f.Valid() {
		return fmt.Errorf("%w: format %d out of range", ErrInvalidInput, uint8(f))
	}
	s.members[f] = true
	return nil
}

// Contains reports membership.
func (s FormatSet) Contains(f Format) bool {
	return f.Valid() && s.members[f]
}

// Empty reports whether no format is accepted.
func (s FormatSet) Empty() bool {
	for _, ok := range s.members {
		if ok {
			return false
		}
	}
	return true
}

// List returns the member formats in enumeration order.
func (s FormatSet) List() []Format {
	out := make([]Format, 0, formatCount)
	for f := Format(0); f < formatCount; f++ {
		if s.members[f] {
			out = append(out, f)
		}
	}
	return out
}

func (s FormatSet) String() string {
	names := make([]string, 0, formatCount)
	for _, f := range s.List() {
		names = append(names, f.String())
	}
	return strings.Join(names, "|")
}

// Mask returns the storage encoding of the set.
func (s FormatSet) Mask() uint32 {
	var mask uint32
	for f := Format(0); f < formatCount; f++ {
		if s.members[f] {
			mask |= 1 << uint32(f)
		}
	}
	return mask
}

// FormatSetFromMask decodes a stored bitmask, rejecting bits outside the
// enumeration.
func FormatSetFromMask(mask uint32) (FormatSet, error) {
	if mask>>uint32(formatCount) != 0 {
		return FormatSet{}, fmt.Errorf("%w: format mask %#x has unknown bits", ErrInvalidInput, mask)
	}
	var set FormatSet
	for f := Format(0); f < formatCount; f++ {
		if mask&(1<<uint32(f)) != 0 {
			set.members[f] = true
		}
	}
	return set, nil
}
