package config

import (
	"fmt"
	"strconv"
	"time"
)

// NullDuration is a nullable time.Duration in the vein of the null.v3 types.
// Text forms are Go durations ("1m30s") or plain integers in milliseconds.
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

// NewNullDuration returns a NullDuration holding d.
func NewNullDuration(d time.Duration, valid bool) NullDuration {
	return NullDuration{Duration: d, Valid: valid}
}

// NullDurationFrom returns a valid NullDuration holding d.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration: d, Valid: true}
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text and "null"
// leave d invalid.
func (d *NullDuration) UnmarshalText(data []byte) error {
	s := string(data)
	if s == "" || s == "null" {
		*d = NullDuration{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = NullDurationFrom(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = NullDurationFrom(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d NullDuration) MarshalText() ([]byte, error) {
	if !d.Valid {
		return []byte{}, nil
	}
	return []byte(d.Duration.String()), nil
}

func (d NullDuration) String() string {
	if !d.Valid {
		return "null"
	}
	return d.Duration.String()
}
